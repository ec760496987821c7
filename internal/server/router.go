package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/Levelup666/AuditWiz/internal/logging"
	"github.com/Levelup666/AuditWiz/internal/services/anchor"
	"github.com/Levelup666/AuditWiz/internal/services/audit"
	"github.com/Levelup666/AuditWiz/internal/services/documents"
	"github.com/Levelup666/AuditWiz/internal/services/permission"
	"github.com/Levelup666/AuditWiz/internal/services/records"
	"github.com/Levelup666/AuditWiz/internal/services/signature"
	"github.com/Levelup666/AuditWiz/internal/services/studies"
)

// Authenticator resolves a bearer token to a caller id.
type Authenticator interface {
	Authenticate(token string) (string, error)
}

// RouterOptions controls the construction of the AuditWiz HTTP router.
// Nil services leave their routes unmounted.
type RouterOptions struct {
	Studies    *studies.Service
	Records    *records.Service
	Signatures *signature.Service
	Anchors    *anchor.Service
	Documents  *documents.Service
	Ledger     *audit.Ledger
	Authz      permission.Authorizer

	Authenticator Authenticator
	Logger        *zap.Logger
	CORSOptions   *cors.Options

	// BlobHandler serves filesystem signed download links under /blobs.
	BlobHandler http.Handler
	// MaxUploadSize caps multipart document uploads.
	MaxUploadSize int64
}

// DefaultCORSOptions returns the shared development CORS policy.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://127.0.0.1:3000",
		},
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Reauth-Token", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type handlers struct {
	opts   RouterOptions
	logger *zap.Logger
}

// NewRouter assembles the chi router with shared middleware and every mounted API.
func NewRouter(opts RouterOptions) chi.Router {
	logger := logging.OrNop(opts.Logger)
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = documents.DefaultMaxSize
	}
	h := &handlers{opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics)

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	r.Get("/health", healthHandler)
	r.Handle("/metrics", promhttp.Handler())
	if opts.BlobHandler != nil {
		r.Handle("/blobs/*", http.StripPrefix("/blobs", opts.BlobHandler))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(authenticate(opts.Authenticator, logger))

		if opts.Studies != nil {
			r.Get("/studies", h.listStudies)
			r.Post("/studies", h.createStudy)
			r.Get("/studies/{id}", h.getStudy)
			r.Patch("/studies/{id}/status", h.updateStudyStatus)
			r.Put("/studies/{id}/schema", h.setStudySchema)
			r.Post("/studies/{id}/schema/infer", h.inferStudySchema)
			r.Get("/studies/{id}/members", h.listMembers)
			r.Post("/studies/{id}/members", h.addMember)
			r.Patch("/studies/{id}/members/{userID}", h.changeMemberRole)
			r.Delete("/studies/{id}/members/{userID}", h.revokeMember)
			r.Get("/studies/{id}/members/{userID}/history", h.memberHistory)
		}

		if opts.Records != nil {
			r.Get("/studies/{id}/records", h.listRecords)
			r.Post("/studies/{id}/records", h.createRecord)
			r.Get("/records/{id}", h.getRecord)
			r.Post("/records/{id}/amend", h.amendRecord)
			r.Post("/records/{id}/status", h.transitionRecord)
			r.Get("/records/{id}/versions", h.versionChain)
			r.Get("/records/{id}/audit", h.recordTrail)
		}

		if opts.Signatures != nil {
			r.Get("/records/{id}/signatures", h.listSignatures)
			r.Post("/records/{id}/signatures", h.sign)
		}
		r.Post("/signatures/verify", h.verifySignature)

		if opts.Anchors != nil {
			r.Post("/records/{id}/anchor", h.anchorRecord)
			r.Get("/records/{id}/anchor/status", h.anchorStatus)
		}

		if opts.Documents != nil {
			r.Get("/records/{id}/documents", h.listDocuments)
			r.Post("/records/{id}/documents", h.uploadDocument)
			r.Get("/records/{id}/documents/{docID}/download", h.downloadDocument)
		}

		if opts.Ledger != nil && opts.Authz != nil {
			r.Get("/audit", h.readAudit)
			r.Get("/audit/export", h.exportAudit)
			r.Get("/audit/verify", h.verifyAudit)
			r.Post("/system-actions", h.systemAction)
		}
	})

	return r
}

// NewH2CHandler wraps the router with an h2c server so HTTP/2 clients work
// over cleartext.
func NewH2CHandler(opts RouterOptions) http.Handler {
	return h2c.NewHandler(NewRouter(opts), &http2.Server{})
}
