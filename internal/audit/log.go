// Package audit records one structured entry per inbound request, describing
// the request and the token vended (or refused) while serving it.
package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"
)

// Level is the log level audit entries are written at. It sits above all
// standard levels so audit entries are never filtered out.
const Level = zerolog.Level(20)

type contextKey struct{}

// Entry is the audit record for a single request.
type Entry struct {
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string

	Authorized bool

	Client      string
	Scopes      []string
	ExpirySecs  int64
	CacheStatus string

	Error string
}

// Context returns the entry attached to ctx, attaching a new one if there is
// none.
func Context(ctx context.Context) (context.Context, *Entry) {
	if entry, ok := ctx.Value(contextKey{}).(*Entry); ok {
		return ctx, entry
	}

	entry := &Entry{}
	return context.WithValue(ctx, contextKey{}, entry), entry
}

// Log returns the entry for the current request. Outside of an audited
// request the entry is detached and never written.
func Log(ctx context.Context) *Entry {
	_, entry := Context(ctx)
	return entry
}

// Begin captures request details.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.UserAgent = r.UserAgent()
	e.Status = http.StatusOK

	e.SourceIP = r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		e.SourceIP = host
	}
}

// End returns a function that writes the entry to the context logger.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		zerolog.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit")
	}
}

func (e *Entry) appendError(msg string) {
	if e.Error != "" {
		e.Error += "; "
	}
	e.Error += msg
}

func (e *Entry) MarshalZerologObject(ev *zerolog.Event) {
	ev.Dict("request", zerolog.Dict().
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent))

	ev.Dict("authorization", zerolog.Dict().Bool("authorized", e.Authorized))

	NewOptionalEvent(nil).
		Str("name", e.Client).
		Strs("scopes", e.Scopes).
		Int64("expirySecs", e.ExpirySecs).
		Str("cache", e.CacheStatus).
		Set(ev, "client")

	if e.Error != "" {
		ev.Str("error", e.Error)
	}
}

// Middleware attaches an Entry to each request context and writes it when the
// request completes, including when the handler panics. The panic is
// re-raised after the entry is written.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())
			entry.Begin(r)

			end := entry.End(ctx)
			defer func() {
				if p := recover(); p != nil {
					entry.appendError(fmt.Sprintf("panic: %v", p))
					end()
					panic(p)
				}
				end()
			}()

			recorder := &statusRecorder{ResponseWriter: w, entry: entry}
			next.ServeHTTP(recorder, r.WithContext(ctx))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	entry *Entry
}

func (s *statusRecorder) WriteHeader(status int) {
	s.entry.Status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
