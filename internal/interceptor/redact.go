package interceptor

import (
	"net/http"
	"regexp"
)

const redacted = "[REDACTED]"

// DefaultRedactedHeaders are never written to logs.
var DefaultRedactedHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Ocp-Apim-Subscription-Key",
	"Cookie",
	"Set-Cookie",
}

var (
	jsonSecretField = regexp.MustCompile(`"(access_token|refresh_token|id_token|client_secret)"\s*:\s*"[^"]*"?`)
	formSecretField = regexp.MustCompile(`(^|&)(access_token|refresh_token|id_token|client_secret|client_assertion)=[^&]*`)
)

// Redactor removes credentials from headers and bodies before they are
// logged. Header names are matched case-insensitively.
type Redactor struct {
	headers map[string]struct{}
}

// NewRedactor creates a redactor for the default header list plus names.
func NewRedactor(names ...string) Redactor {
	headers := make(map[string]struct{}, len(DefaultRedactedHeaders)+len(names))
	for _, list := range [][]string{DefaultRedactedHeaders, names} {
		for _, name := range list {
			if name == "" {
				continue
			}
			headers[http.CanonicalHeaderKey(name)] = struct{}{}
		}
	}

	return Redactor{headers: headers}
}

// Headers returns a copy of h without the redacted headers. The original is
// not modified.
func (r Redactor) Headers(h http.Header) http.Header {
	filtered := make(http.Header, len(h))
	for name, values := range h {
		if _, sensitive := r.headers[http.CanonicalHeaderKey(name)]; sensitive {
			continue
		}
		filtered[name] = values
	}

	return filtered
}

// Body masks token and secret fields in JSON or form-encoded content, then
// truncates the result to limit bytes. A limit of zero or less disables
// truncation.
func (r Redactor) Body(body []byte, limit int) string {
	masked := jsonSecretField.ReplaceAll(body, []byte(`"$1":"`+redacted+`"`))
	masked = formSecretField.ReplaceAll(masked, []byte(`${1}${2}=`+redacted))

	if limit > 0 && len(masked) > limit {
		return string(masked[:limit]) + "...(truncated)"
	}

	return string(masked)
}
