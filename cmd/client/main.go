package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwhitfield/duet/pkg/api"
	"github.com/cwhitfield/duet/pkg/auth/providers"
	"github.com/cwhitfield/duet/pkg/connector"
	"github.com/cwhitfield/duet/pkg/log"
	"github.com/cwhitfield/duet/pkg/status"
	"github.com/cwhitfield/duet/pkg/store"
	"github.com/cwhitfield/duet/pkg/version"
)

func main() {
	storeKind := flag.String("store", "sqlite", "Store backend: memory, sqlite, postgres or firestore")
	sqlitePath := flag.String("sqlite-path", "duet.db", "SQLite database path")
	projectID := flag.String("project-id", "", "Firestore project id")
	credentialsFile := flag.String("credentials-file", "", "Firestore credentials file")
	apiKey := flag.String("api-key", "", "Firebase Auth API key; empty runs with a local identity")
	uid := flag.String("uid", "", "Local identity; empty generates a fresh one")
	apiPort := flag.Int("api-port", 8890, "Status API port; 0 disables the API server")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	parsedLogLevel, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)
	log.Info("Log level set to %s", parsedLogLevel)

	log.Info("Starting duet client version %s", version.Get())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	documentStore := newStore(ctx, *storeKind, *sqlitePath, *projectID, *credentialsFile)
	defer documentStore.Close(ctx)

	var provider providers.IdentityProvider
	if *apiKey != "" {
		provider = providers.NewFirebaseIdentityProvider(*apiKey)
	} else {
		provider = providers.NewStaticIdentityProvider(*uid)
	}

	tracker := api.NewTracker()
	statusHandlers := []status.Handler{tracker.StatusHandler(), func(s status.Status) {
		log.Info("%s", s.Text())
	}}

	var apiServer *api.APIServer
	if *apiPort > 0 {
		apiServer = api.NewAPIServer(api.NewAPIServerOptions{
			Port:    *apiPort,
			Tracker: tracker,
		})
		go apiServer.Start()
		defer apiServer.Stop(context.Background())
	}

	conn := connector.NewConnector(connector.NewConnectorOptions{
		Provider:       provider,
		Store:          documentStore,
		StatusHandlers: statusHandlers,
	})

	attachment, err := conn.Connect(ctx)
	if err != nil {
		log.Error("Failed to connect: %v", err)
		os.Exit(1)
	}
	defer attachment.Close()

	for sess := range attachment.Updates() {
		tracker.RecordSession(sess)
		log.Info("Session %s seat %d players %v open %t", sess.ID, attachment.Seat(), sess.Players, sess.Open)
	}
	if err := attachment.Err(); err != nil {
		log.Error("Session sync ended: %v", err)
		os.Exit(1)
	}
	log.Info("Client shut down")
}

func newStore(ctx context.Context, kind, sqlitePath, projectID, credentialsFile string) store.Store {
	switch kind {
	case "memory":
		return store.NewInMemoryStore()
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, sqlitePath)
		if err != nil {
			panic(fmt.Sprintf("Failed to open sqlite store: %v", err))
		}
		return s
	case "postgres":
		connStr := os.Getenv("DATABASE_URL")
		if connStr == "" {
			panic("DATABASE_URL environment variable must be set")
		}
		s, err := store.NewPostgresStore(ctx, connStr)
		if err != nil {
			panic(fmt.Sprintf("Failed to open postgres store: %v", err))
		}
		return s
	case "firestore":
		if projectID == "" {
			panic("-project-id must be set for the firestore store")
		}
		s, err := store.NewFirestoreStore(ctx, store.NewFirestoreStoreOptions{
			ProjectID:       projectID,
			CredentialsFile: credentialsFile,
		})
		if err != nil {
			panic(fmt.Sprintf("Failed to open firestore store: %v", err))
		}
		return s
	}
	panic(fmt.Sprintf("Unknown store backend: %s", kind))
}
