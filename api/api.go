// Package api serves the relay's admin REST surface: document inspection,
// proof chain export and verification.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/secsync/protocol"
	"github.com/jmcleod/secsync/server"
)

// Documents is the document store as seen by administrators.
type Documents interface {
	CreateDocument(ctx context.Context, documentID string) error
	Info(ctx context.Context, documentID string) (*server.DocumentInfo, error)
	ProofChain(ctx context.Context, documentID string) ([]protocol.SnapshotProofChainEntry, error)
}

// ConnectionCounter reports live relay connections per document.
type ConnectionCounter interface {
	ConnectionCount(documentID string) int
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	documents   Documents
	connections ConnectionCounter
	adminToken  string
	rateLimiter *ipRateLimiter
	audit       *auditLogger
	webhook     *alertWebhook
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAdminToken requires every document route to carry
// "Authorization: Bearer <token>". Without a token the document routes are
// disabled.
func WithAdminToken(token string) Option {
	return func(a *API) {
		a.adminToken = token
	}
}

// WithAlertWebhook posts alerts raised by the audit metrics to url.
// authHeader is an optional "Header: Value" pair.
func WithAlertWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAlertWebhook(url, authHeader)
		}
	}
}

// New creates a new API instance.
func New(documents Documents, connections ConnectionCounter, opts ...Option) *API {
	a := &API{
		documents:   documents,
		connections: connections,
		rateLimiter: newIPRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	if a.webhook != nil {
		a.audit.metrics = newMetricsCollector(a.webhook.alert)
	}
	return a
}

// Close stops background delivery of alerts.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(a.AdminMiddleware)
		r.Post("/documents", a.CreateDocument)
		r.Get("/documents/{documentID}", a.GetDocument)
		r.Get("/documents/{documentID}/proof-chain", a.GetProofChain)
		r.Post("/documents/{documentID}/proof-chain/verify", a.VerifyProofChain)
	})

	return r
}
