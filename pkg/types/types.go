package types

import (
	"github.com/cwhitfield/duet/pkg/store"
)

const (
	// CollectionUsers holds one document per identity.
	CollectionUsers = "users"
	// CollectionGames holds session documents with store-assigned ids.
	CollectionGames = "games"
)

// Session document field names.
const (
	FieldPlayers = "players"
	FieldOpen    = "open"
	FieldChoices = "choices"
	FieldScore   = "score"
)

// User is a registered player identity.
type User struct {
	ID    string
	Score int
}

// Session pairs up to two users around shared opaque game state.
// Players is in join order: the creator is first. Open is true while the
// session has fewer than two players.
type Session struct {
	ID      string
	Version int64
	Players []string
	Open    bool
	// Payload carries every session field the core does not interpret.
	Payload map[string]interface{}
}

// Full reports whether the session has both seats taken.
func (s *Session) Full() bool {
	return len(s.Players) >= 2
}

// HasPlayer reports whether the user occupies a seat in the session.
func (s *Session) HasPlayer(userID string) bool {
	for _, p := range s.Players {
		if p == userID {
			return true
		}
	}
	return false
}

// Seat returns the user's position in the player sequence, or -1.
func (s *Session) Seat(userID string) int {
	for i, p := range s.Players {
		if p == userID {
			return i
		}
	}
	return -1
}

// UserFromDocument decodes a users collection document.
func UserFromDocument(doc *store.Document) *User {
	return &User{
		ID:    doc.ID,
		Score: asInt(doc.Fields[FieldScore]),
	}
}

// NewUserFields returns the field set for a freshly registered user.
func NewUserFields() map[string]interface{} {
	return map[string]interface{}{
		FieldScore: 0,
	}
}

// SessionFromDocument decodes a games collection document. Fields other
// than players and open are preserved untouched in Payload.
func SessionFromDocument(doc *store.Document) *Session {
	s := &Session{
		ID:      doc.ID,
		Version: doc.Version,
		Players: asStringSlice(doc.Fields[FieldPlayers]),
		Open:    asBool(doc.Fields[FieldOpen]),
		Payload: make(map[string]interface{}),
	}
	for k, v := range doc.Fields {
		if k == FieldPlayers || k == FieldOpen {
			continue
		}
		s.Payload[k] = v
	}
	return s
}

// NewSessionFields returns the field set for a session created by the
// given user: a single-player open session with an empty payload seed.
func NewSessionFields(creatorID string) map[string]interface{} {
	return map[string]interface{}{
		FieldPlayers: []string{creatorID},
		FieldOpen:    true,
		FieldChoices: []interface{}{},
	}
}

// JoinFields returns the partial update that admits a second player and
// closes the session, given the player sequence observed before the join.
func JoinFields(players []string, joinerID string) map[string]interface{} {
	joined := make([]string, 0, len(players)+1)
	joined = append(joined, players...)
	joined = append(joined, joinerID)
	return map[string]interface{}{
		FieldPlayers: joined,
		FieldOpen:    false,
	}
}

// Store backends hand field values back in whatever scalar types their
// codec produces (int64 from Firestore, float64 from JSON columns), so
// decoding tolerates all of them.

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asBool(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

func asStringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		out := make([]string, len(vals))
		copy(out, vals)
		return out
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
