package testhelpers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTokenServer is a configurable OAuth2 token endpoint supporting the
// client credentials grant. Client credentials are expected as form
// parameters.
type MockTokenServer struct {
	Server *httptest.Server

	mu           sync.Mutex
	accessToken  string
	expiresIn    int
	scope        string
	statusCode   int
	requestCount int
	lastForm     map[string]string
}

// SetupMockTokenServer starts a token server that issues "test-access-token"
// valid for one hour. The server is closed when the test ends.
func SetupMockTokenServer(t *testing.T) *MockTokenServer {
	t.Helper()

	mock := &MockTokenServer{
		accessToken: "test-access-token",
		expiresIn:   3600,
		statusCode:  http.StatusOK,
	}

	router := http.NewServeMux()

	router.HandleFunc("POST /oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		defer mock.mu.Unlock()

		mock.requestCount++

		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mock.lastForm = map[string]string{}
		for k := range r.PostForm {
			mock.lastForm[k] = r.PostForm.Get(k)
		}

		if mock.statusCode != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(mock.statusCode)
			_, _ = io.WriteString(w, `{"error":"invalid_client"}`)
			return
		}

		if r.PostForm.Get("grant_type") != "client_credentials" {
			http.Error(w, "unsupported grant type", http.StatusBadRequest)
			return
		}

		response := map[string]any{
			"access_token": mock.accessToken,
			"token_type":   "Bearer",
		}
		if mock.expiresIn > 0 {
			response["expires_in"] = mock.expiresIn
		}
		if mock.scope != "" {
			response["scope"] = mock.scope
		}

		WriteJSON(w, response)
	})

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Close)

	return mock
}

// TokenURL is the token endpoint URL.
func (m *MockTokenServer) TokenURL() string {
	return m.Server.URL + "/oauth2/token"
}

// Issue sets the token returned by subsequent requests. An expiresIn of zero
// omits expires_in from the response.
func (m *MockTokenServer) Issue(accessToken string, expiresIn int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accessToken = accessToken
	m.expiresIn = expiresIn
}

// GrantScope sets the scope returned in token responses.
func (m *MockTokenServer) GrantScope(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scope = scope
}

// Fail makes subsequent requests respond with status.
func (m *MockTokenServer) Fail(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statusCode = status
}

// RequestCount is the number of token requests received.
func (m *MockTokenServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.requestCount
}

// LastForm returns the form parameters of the most recent request.
func (m *MockTokenServer) LastForm() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastForm
}

// Close shuts down the mock server.
func (m *MockTokenServer) Close() {
	m.Server.Close()
}

// RecordedRequest is a request received by MockUpstreamServer.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   string
}

// MockUpstreamServer stands in for the protected external API. It responds
// with the configured statuses in order, repeating the last one.
type MockUpstreamServer struct {
	Server *httptest.Server

	mu       sync.Mutex
	statuses []int
	body     string
	requests []RecordedRequest
}

// SetupMockUpstreamServer starts an upstream server answering 200 with a
// small JSON body. The server is closed when the test ends.
func SetupMockUpstreamServer(t *testing.T) *MockUpstreamServer {
	t.Helper()

	mock := &MockUpstreamServer{
		body: `{"status":"ok"}`,
	}

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mock.mu.Lock()
		mock.requests = append(mock.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		status := http.StatusOK
		if n := len(mock.statuses); n > 0 {
			status = mock.statuses[0]
			if n > 1 {
				mock.statuses = mock.statuses[1:]
			}
		}
		responseBody := mock.body
		mock.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, responseBody)
	}))
	t.Cleanup(mock.Close)

	return mock
}

// RespondWith sets the statuses for subsequent requests.
func (m *MockUpstreamServer) RespondWith(statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses = statuses
}

// Requests returns the requests received so far.
func (m *MockUpstreamServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]RecordedRequest(nil), m.requests...)
}

// Close shuts down the mock server.
func (m *MockUpstreamServer) Close() {
	m.Server.Close()
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
