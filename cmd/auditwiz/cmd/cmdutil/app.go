package cmdutil

import (
	"context"
	"fmt"
	"net/http"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/Levelup666/AuditWiz/internal/auth"
	"github.com/Levelup666/AuditWiz/internal/blob"
	"github.com/Levelup666/AuditWiz/internal/config"
	"github.com/Levelup666/AuditWiz/internal/db/bunx"
	"github.com/Levelup666/AuditWiz/internal/events"
	"github.com/Levelup666/AuditWiz/internal/logging"
	"github.com/Levelup666/AuditWiz/internal/notary"
	"github.com/Levelup666/AuditWiz/internal/repository"
	"github.com/Levelup666/AuditWiz/internal/server"
	"github.com/Levelup666/AuditWiz/internal/services/anchor"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/documents"
	"github.com/Levelup666/AuditWiz/internal/services/inference"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
	"github.com/Levelup666/AuditWiz/internal/services/records"
	"github.com/Levelup666/AuditWiz/internal/services/signature"
	"github.com/Levelup666/AuditWiz/internal/services/studies"
	"github.com/Levelup666/AuditWiz/internal/services/validation"
)

// App bundles every wired service with the resources it owns so commands can
// share one construction path and release everything with Close.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *bun.DB
	Store  *repository.BunStore

	Authz      *permission.Engine
	Ledger     *audit.Ledger
	Tokens     *auth.Tokens
	Blobs      blob.Store
	Studies    *studies.Service
	Records    *records.Service
	Signatures *signature.Service
	Anchors    *anchor.Service
	Documents  *documents.Service

	bus events.Bus
}

// Options controls how much of the application NewApp wires.
type Options struct {
	// LedgerOnly stops after the permission engine and ledger, skipping the
	// services that need external backends. Offline ledger commands use it.
	LedgerOnly bool
}

// NewApp connects to the database and wires the services.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	logger = logging.OrNop(logger)

	db, err := bunx.NewDB(ctx, cfg.DatabaseURL, bunx.Options{MaxOpenConns: cfg.MaxDBConnections})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	app := &App{Config: cfg, Logger: logger, DB: db, Store: repository.NewBunStore(db)}

	if err := app.wire(ctx, opts); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg := a.Config

	engine, err := permission.NewEngine(a.Store.Members())
	if err != nil {
		return fmt.Errorf("failed to initialize permission engine: %w", err)
	}
	a.Authz = engine

	a.Ledger = audit.NewLedger(a.Store).WithLogger(a.Logger.Named("audit"))
	if opts.LedgerOnly {
		return nil
	}

	if cfg.Events.NATSURL != "" {
		bus, err := events.NewNatsBus(cfg.Events.NATSURL)
		if err != nil {
			return err
		}
		a.bus = bus
		a.Logger.Info("publishing audit events to nats", zap.String("subject_prefix", cfg.Events.SubjectPrefix))
	} else {
		a.bus = events.NewLocalBus()
	}
	a.Ledger.WithBus(a.bus, cfg.Events.SubjectPrefix)

	tokens, err := auth.NewTokens([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.ReauthMaxAge)
	if err != nil {
		return fmt.Errorf("auth.jwt_secret: %w", err)
	}
	a.Tokens = tokens

	validator, err := validation.NewSchemaValidator(cfg.Validation.SchemaCacheSize)
	if err != nil {
		return fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}
	a.Blobs = blobs

	n, err := notary.New(ctx, cfg.Notary, a.Logger.Named("notary"))
	if err != nil {
		return fmt.Errorf("failed to initialize notary: %w", err)
	}

	a.Records = records.NewService(a.Store, engine, a.Ledger).
		WithValidator(validator).
		WithLogger(a.Logger.Named("records"))
	a.Studies = studies.NewService(a.Store, engine, a.Ledger).
		WithValidator(validator).
		WithInferrer(inference.NewInferrer()).
		WithLogger(a.Logger.Named("studies"))
	a.Signatures = signature.NewService(a.Store, engine, a.Ledger, a.Records, tokens).
		WithLogger(a.Logger.Named("signature"))
	a.Documents = documents.NewService(a.Store, engine, a.Ledger, blobs).
		WithLimits(cfg.Documents.MaxSize, cfg.Documents.SignedTTL).
		WithLogger(a.Logger.Named("documents"))

	anchors, err := anchor.NewService(a.Store, engine, a.Ledger, n)
	if err != nil {
		return fmt.Errorf("failed to initialize anchor service: %w", err)
	}
	a.Anchors = anchors.
		WithConfirmTimeout(cfg.Notary.ConfirmTimeout).
		WithLogger(a.Logger.Named("anchor"))
	return nil
}

// RouterOptions exposes the wired services to the HTTP layer.
func (a *App) RouterOptions() server.RouterOptions {
	opts := server.RouterOptions{
		Studies:       a.Studies,
		Records:       a.Records,
		Signatures:    a.Signatures,
		Anchors:       a.Anchors,
		Documents:     a.Documents,
		Ledger:        a.Ledger,
		Authz:         a.Authz,
		Authenticator: a.Tokens,
		Logger:        a.Logger.Named("http"),
		MaxUploadSize: a.Config.Documents.MaxSize,
	}
	if fs, ok := a.Blobs.(interface{ Handler() http.Handler }); ok {
		opts.BlobHandler = fs.Handler()
	}
	return opts
}

// Close releases the event bus and the database connection.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.Logger.Warn("close event bus", zap.Error(err))
		}
	}
	if a.DB != nil {
		if err := bunx.Close(a.DB); err != nil {
			a.Logger.Warn("close database", zap.Error(err))
		}
	}
}
