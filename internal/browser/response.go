package browser

import (
	"context"
	"errors"
)

// ErrNoBody is returned by Response.Body when the response carries no retrievable body.
var ErrNoBody = errors.New("browser: response has no body")

// Response describes a finished network response observed in a session.
// The body is fetched lazily because most responses are never read.
type Response struct {
	RequestID string
	URL       string
	Status    int64
	MIMEType  string

	body func(ctx context.Context) ([]byte, error)
}

// NewResponse builds a Response whose body is already known.
func NewResponse(url string, status int64, body []byte) Response {
	return Response{
		URL:    url,
		Status: status,
		body: func(context.Context) ([]byte, error) {
			return body, nil
		},
	}
}

// NewLazyResponse builds a Response whose body is produced by fetch on demand.
func NewLazyResponse(requestID, url string, status int64, mimeType string, fetch func(ctx context.Context) ([]byte, error)) Response {
	return Response{
		RequestID: requestID,
		URL:       url,
		Status:    status,
		MIMEType:  mimeType,
		body:      fetch,
	}
}

// Body retrieves the response body.
func (r Response) Body(ctx context.Context) ([]byte, error) {
	if r.body == nil {
		return nil, ErrNoBody
	}
	return r.body(ctx)
}

// OK reports whether the status is in the 2xx range.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}
