package esclient

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// headerRoundTripper copies a fixed header set onto every outgoing
// request before delegating to next. Used to guarantee the request
// envelope's Headers map is present on every sub-request regardless of
// which esclient adapter (or which olivere/go-elasticsearch internal
// request) issues it.
type headerRoundTripper struct {
	headers map[string][]string
	next    http.RoundTripper
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, values := range t.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return t.next.RoundTrip(req)
}

// NewTransport wraps base (http.DefaultTransport if nil) with header
// injection and an OpenTelemetry span per request, so every sub-request an
// esclient adapter issues is traced and carries the envelope's headers.
func NewTransport(base http.RoundTripper, headers map[string][]string) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	withHeaders := &headerRoundTripper{headers: headers, next: base}
	return otelhttp.NewTransport(withHeaders)
}

// NewHTTPClient builds an *http.Client whose transport is NewTransport's
// result, the construction both concrete adapters share.
func NewHTTPClient(base http.RoundTripper, headers map[string][]string) *http.Client {
	return &http.Client{Transport: NewTransport(base, headers)}
}

// MergeContextHeaders folds the envelope's opaque context map into the
// header set, one header per context key, the closest wire analog
// available for an opaque key/value bag over a REST search backend.
func MergeContextHeaders(headers map[string][]string, reqContext map[string]string) map[string][]string {
	merged := make(map[string][]string, len(headers)+len(reqContext))
	for k, v := range headers {
		merged[k] = append([]string(nil), v...)
	}
	for k, v := range reqContext {
		merged[k] = append(merged[k], v)
	}
	return merged
}
