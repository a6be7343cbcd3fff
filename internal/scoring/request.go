package scoring

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/1sec-project/reqguard/internal/catalog"
	"github.com/1sec-project/reqguard/internal/fingerprint"
)

// Request is the serialised, analyzable surface of one inbound request.
type Request struct {
	ClientIP  string
	Method    string
	Path      string
	URL       string
	UserAgent string
	Referer   string
	Body      string
	Query     string
	Headers   string

	// RequestID correlates the assessment with the caller's logs. It is not
	// scored.
	RequestID string
}

// RequestOptions control how an http.Request is decomposed.
type RequestOptions struct {
	TrustProxy   bool
	MaxBodyBytes int64
}

// Headers analysed as their own field, or too sensitive to keep.
var excludedHeaders = map[string]bool{
	"User-Agent":    true,
	"Referer":       true,
	"Cookie":        true,
	"Authorization": true,
}

// FromHTTP decomposes r into a Request. At most opts.MaxBodyBytes of the body
// are read; the body is restored so downstream handlers see it unchanged.
func FromHTTP(r *http.Request, opts RequestOptions) Request {
	req := Request{
		ClientIP:  fingerprint.ClientIP(r, opts.TrustProxy),
		Method:    r.Method,
		Path:      r.URL.Path,
		URL:       r.URL.RequestURI(),
		UserAgent: r.UserAgent(),
		Referer:   r.Referer(),
	}

	if q := r.URL.Query(); len(q) > 0 {
		req.Query = encodeJSON(q)
	}

	headers := make(map[string][]string, len(r.Header))
	for name, values := range r.Header {
		if excludedHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		headers[strings.ToLower(name)] = values
	}
	if len(headers) > 0 {
		req.Headers = encodeJSON(headers)
	}

	req.Body = readBody(r, opts.MaxBodyBytes)
	return req
}

// Fingerprint returns the correlation key for the request.
func (r Request) Fingerprint() string {
	return fingerprint.Build(r.ClientIP, r.UserAgent, r.Method, r.Path)
}

// Field returns the raw text of field f.
func (r Request) Field(f catalog.Field) string {
	switch f {
	case catalog.FieldURL:
		return r.URL
	case catalog.FieldUserAgent:
		return r.UserAgent
	case catalog.FieldReferer:
		return r.Referer
	case catalog.FieldBody:
		return r.Body
	case catalog.FieldQuery:
		return r.Query
	case catalog.FieldHeaders:
		return r.Headers
	}
	return ""
}

func readBody(r *http.Request, limit int64) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	if limit <= 0 {
		limit = 64 << 10
	}
	// A read error still leaves whatever was consumed in head.
	head, _ := io.ReadAll(io.LimitReader(r.Body, limit))
	// Whatever was consumed goes back in front of the unread remainder.
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	return string(head)
}

// encodeJSON serialises v with sorted map keys and without HTML escaping so
// that <, > and & reach the patterns verbatim.
func encodeJSON(v interface{}) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimRight(buf.String(), "\n")
}
