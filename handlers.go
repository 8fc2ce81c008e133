package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/chinmina/chinmina-relay/internal/audit"
	"github.com/chinmina/chinmina-relay/internal/upstream"
	"github.com/chinmina/chinmina-relay/internal/vendor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// forwardedHeaders are copied from the inbound request to the relayed
// request. Authorization is set from the client's token.
var forwardedHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"If-Match",
	"If-None-Match",
	"TransactionId",
}

// hopHeaders are connection-specific and never copied from the upstream
// response.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func handlePostToken(registry upstream.Registry, tokenVendor vendor.TokenVendor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		client, err := registry.Lookup(r.PathValue("client"))
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Msgf("client lookup failed: %v", err)
			writeJSONError(w, status, message)
			return
		}

		token, err := tokenVendor(r.Context(), client)
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Msgf("token creation failed: %v", err)
			writeJSONError(w, status, message)
			return
		}

		marshalledResponse, err := json.Marshal(token)
		if err != nil {
			requestError(w, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, err = w.Write(marshalledResponse)
		if err != nil {
			// record failure to log: trying to respond to the client at this
			// point will likely fail
			log.Info().Msgf("failed to write response: %v", err)
			return
		}
	})
}

func handleDeleteToken(registry upstream.Registry, invalidator upstream.Invalidator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		client, err := registry.Lookup(r.PathValue("client"))
		if err != nil {
			status, message := errorStatus(err)
			writeJSONError(w, status, message)
			return
		}

		audit.Log(r.Context()).Client = client.Name

		if err := invalidator.Invalidate(r.Context(), client.Name); err != nil {
			status, message := errorStatus(err)
			log.Info().Msgf("token invalidation failed: %v", err)
			writeJSONError(w, status, message)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func handleRelay(client *upstream.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		clientName := r.PathValue("client")

		outbound, err := client.NewRequest(ctx, r.Method, r.PathValue("path"), r.Body)
		if err != nil {
			requestError(w, http.StatusBadRequest)
			return
		}
		outbound.URL.RawQuery = r.URL.RawQuery
		outbound.ContentLength = r.ContentLength
		for _, name := range forwardedHeaders {
			if values := r.Header.Values(name); len(values) > 0 {
				outbound.Header[name] = values
			}
		}

		resp, err := client.Do(clientName, outbound)
		if err != nil {
			status, message := relayErrorStatus(err)
			zerolog.Ctx(ctx).Info().Err(err).Str("client", clientName).Msg("relay failed")
			audit.Log(ctx).Error = err.Error()
			writeJSONError(w, status, message)
			return
		}
		defer resp.Body.Close()

		for name, values := range resp.Header {
			if hopHeaders[name] {
				continue
			}
			w.Header()[name] = values
		}
		w.WriteHeader(resp.StatusCode)

		if _, err := io.Copy(w, resp.Body); err != nil {
			zerolog.Ctx(ctx).Info().Err(err).Msg("failed to copy upstream response")
		}
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// bearerAuth requires "Authorization: Bearer <token>" on every request when
// token is set. With no token configured, requests pass through.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}

		expected := []byte(token)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, supplied, found := strings.Cut(r.Header.Get("Authorization"), " ")
			if !found || !strings.EqualFold(scheme, "Bearer") ||
				subtle.ConstantTimeCompare([]byte(supplied), expected) != 1 {
				audit.Log(r.Context()).Error = "missing or invalid bearer token"
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSONError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
				return
			}

			audit.Log(r.Context()).Authorized = true
			next.ServeHTTP(w, r)
		})
	}
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Error: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

// relayErrorStatus maps relay failures: errors without a status are
// transport failures reaching the upstream service.
func relayErrorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge)
	}

	return http.StatusBadGateway, "upstream request failed"
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		_, _ = io.CopyN(io.Discard, r.Body, 5*1024)
	}
}
