// Package fabric implements the ContextFabric: ambient, request-scoped
// access to active configuration, a correlation id, an active database
// session, a cache client handle, an authenticated principal, and an
// inbound request descriptor.
//
// It is grounded on the original's contextvars-based AppContext
// (core/context.py): that implementation layers typed accessors over
// per-task context variables with explicit save/restore-on-exit semantics.
// Go's context.Context already provides exactly that contract — a value
// attached to a context is visible to every context derived from it, and a
// derived context's values disappear again once control returns to the
// parent — so fabric is a thin, typed wrapper over context.WithValue rather
// than a reimplementation of task-local storage.
package fabric

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/edgefleetops/fleetcore/internal/config"
	"github.com/edgefleetops/fleetcore/internal/errs"
	"github.com/jmoiron/sqlx"
)

type fabricKey int

const (
	keyConfig fabricKey = iota
	keyCorrelationID
	keySession
	keyCache
	keyPrincipal
	keyRequest
)

// Principal describes the authenticated actor driving the current task.
type Principal struct {
	UserID   string
	Username string
	Role     string
}

// RequestDescriptor describes the inbound request that started the current
// task, for audit and diagnostic purposes.
type RequestDescriptor struct {
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
}

// CacheClient is the minimal handle ContextFabric carries for an active
// messaging/cache client; any type with a Ping(ctx) error method satisfies
// it structurally.
type CacheClient interface {
	Ping(ctx context.Context) error
}

// GenerateCorrelationID produces a 128-bit random id rendered as hex text,
// matching the original's generate_correlation_id (uuid4-based, textually
// rendered).
func GenerateCorrelationID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively fatal for the process; fall
		// back to a time-seeded value rather than panicking mid-request.
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// WithConfig returns a context carrying cfg, overriding any prior value.
func WithConfig(ctx context.Context, cfg *config.Schema) context.Context {
	return context.WithValue(ctx, keyConfig, cfg)
}

// Config returns the active configuration, or nil if unset.
func Config(ctx context.Context) *config.Schema {
	v, _ := ctx.Value(keyConfig).(*config.Schema)
	return v
}

// RequireConfig returns the active configuration or a typed ContextMissing
// error.
func RequireConfig(ctx context.Context) (*config.Schema, error) {
	if v := Config(ctx); v != nil {
		return v, nil
	}
	return nil, &errs.ContextMissing{Field: "config"}
}

// WithCorrelationID returns a context carrying id. If id is empty, a new
// one is generated, matching the original's "generate if absent" rule.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = GenerateCorrelationID()
	}
	return context.WithValue(ctx, keyCorrelationID, id)
}

// CorrelationID returns the active correlation id, or "" if unset.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(keyCorrelationID).(string)
	return v
}

// RequireCorrelationID returns the active correlation id or a typed error.
func RequireCorrelationID(ctx context.Context) (string, error) {
	if v := CorrelationID(ctx); v != "" {
		return v, nil
	}
	return "", &errs.ContextMissing{Field: "correlation_id"}
}

// WithSession returns a context carrying the active database session/tx
// handle.
func WithSession(ctx context.Context, session *sqlx.Tx) context.Context {
	return context.WithValue(ctx, keySession, session)
}

// Session returns the active session, or nil if unset.
func Session(ctx context.Context) *sqlx.Tx {
	v, _ := ctx.Value(keySession).(*sqlx.Tx)
	return v
}

// RequireSession returns the active session or a typed error.
func RequireSession(ctx context.Context) (*sqlx.Tx, error) {
	if v := Session(ctx); v != nil {
		return v, nil
	}
	return nil, &errs.ContextMissing{Field: "db_session"}
}

// WithCache returns a context carrying the active cache client handle.
func WithCache(ctx context.Context, c CacheClient) context.Context {
	return context.WithValue(ctx, keyCache, c)
}

// Cache returns the active cache client, or nil if unset.
func Cache(ctx context.Context) CacheClient {
	v, _ := ctx.Value(keyCache).(CacheClient)
	return v
}

// WithPrincipal returns a context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, keyPrincipal, p)
}

// PrincipalFrom returns the active principal and whether one was set.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	v, ok := ctx.Value(keyPrincipal).(Principal)
	return v, ok
}

// WithRequest returns a context carrying the inbound request descriptor.
func WithRequest(ctx context.Context, r RequestDescriptor) context.Context {
	return context.WithValue(ctx, keyRequest, r)
}

// WithHTTPRequest is a convenience wrapper over WithRequest for callers
// holding a live *http.Request.
func WithHTTPRequest(ctx context.Context, r *http.Request) context.Context {
	return WithRequest(ctx, RequestDescriptor{
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
}

// Request returns the active request descriptor and whether one was set.
func Request(ctx context.Context) (RequestDescriptor, bool) {
	v, ok := ctx.Value(keyRequest).(RequestDescriptor)
	return v, ok
}
