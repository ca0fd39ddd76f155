package models

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const contentTypeJSON = "application/json"

// ProxyRequest is a request bound for a backend instance. It is built once
// by NewProxyRequest and never mutated afterwards.
type ProxyRequest struct {
	method string
	path   string
	body   []byte
	header http.Header
}

// NewProxyRequest builds a request for the given method and path. The path
// keeps its query string. A non-nil body is JSON encoded.
func NewProxyRequest(method, path string, body any) (*ProxyRequest, error) {
	if method == "" {
		method = http.MethodGet
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req := &ProxyRequest{
		method: strings.ToUpper(method),
		path:   path,
		header: http.Header{},
	}
	req.header.Set("Content-Type", contentTypeJSON)
	req.header.Set("Accept", contentTypeJSON)

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		req.body = encoded
	}

	return req, nil
}

// Method returns the HTTP method.
func (r *ProxyRequest) Method() string { return r.method }

// Path returns the path including any query string.
func (r *ProxyRequest) Path() string { return r.path }

// HasBody reports whether the request carries a JSON body.
func (r *ProxyRequest) HasBody() bool { return r.body != nil }

// Body returns a copy of the encoded body.
func (r *ProxyRequest) Body() []byte {
	if r.body == nil {
		return nil
	}
	out := make([]byte, len(r.body))
	copy(out, r.body)
	return out
}

// Header returns a copy of the request headers.
func (r *ProxyRequest) Header() http.Header {
	return r.header.Clone()
}

// ProxyResponse is a backend response relayed verbatim to the caller.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *ProxyResponse) OK() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}
