package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

var _ IdentityProvider = &FirebaseIdentityProvider{}

// FirebaseIdentityProvider signs in anonymously against the Firebase Auth
// REST API. An accounts:signUp request without credentials creates an
// anonymous user and returns its stable local id.
// https://firebase.google.com/docs/reference/rest/auth#section-sign-in-anonymously
type FirebaseIdentityProvider struct {
	apiKey string
	client *http.Client
}

// NewFirebaseIdentityProvider creates a new FirebaseIdentityProvider.
func NewFirebaseIdentityProvider(apiKey string) *FirebaseIdentityProvider {
	return &FirebaseIdentityProvider{
		apiKey: apiKey,
		client: http.DefaultClient,
	}
}

// SignUpRequestBody is the request body for the signUp endpoint
type SignUpRequestBody struct {
	ReturnSecureToken bool `json:"returnSecureToken"`
}

// SignUpResponseBody is the response body for the signUp endpoint
type SignUpResponseBody struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
}

// ErrorResponseBody is the response body for an error
// https://firebase.google.com/docs/reference/rest/auth#section-error-format
type ErrorResponseBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *FirebaseIdentityProvider) SignInAnonymously(ctx context.Context) (*Identity, error) {
	requestPayload := &SignUpRequestBody{
		ReturnSecureToken: true,
	}

	body := bytes.NewBuffer(nil)
	if err := json.NewEncoder(body).Encode(requestPayload); err != nil {
		return nil, fmt.Errorf("error encoding request body: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://identitytoolkit.googleapis.com/v1/accounts:signUp?key="+p.apiKey, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorResponse := &ErrorResponseBody{}
		if err := json.NewDecoder(resp.Body).Decode(errorResponse); err != nil {
			return nil, fmt.Errorf("sign in failed with status %s", resp.Status)
		}
		return nil, fmt.Errorf("sign in failed: %s", errorResponse.Error.Message)
	}

	responsePayload := &SignUpResponseBody{}
	if err := json.NewDecoder(resp.Body).Decode(responsePayload); err != nil {
		return nil, fmt.Errorf("error decoding response: %v", err)
	}
	if responsePayload.LocalID == "" {
		return nil, fmt.Errorf("sign in returned no identity")
	}

	return &Identity{
		UID: responsePayload.LocalID,
	}, nil
}
