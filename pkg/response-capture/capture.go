package capture

import (
	"bytes"
	"net/http"
	"time"
)

// ResponseSaver is a wrapper around http.ResponseWriter that holds back the response.
// Headers are set directly on the underlying writer's header map,
// but the status code and the body are only recorded.
// Nothing is sent to the client until the caller writes the recorded response itself.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	status       int
	wroteHeaders bool
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.rw.Header()
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	// only the first call counts, like for a real response writer
	if t.wroteHeaders {
		return
	}
	// informational responses (e.g. 103 Early Hints) are not the final status
	if statusCode >= 100 && statusCode < 200 {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// Flush is a no-op, the response is sent in one piece when the handler is done.
func (t *ResponseSaver) Flush() {}

// Body returns the recorded body.
func (t *ResponseSaver) Body() []byte {
	return t.b.Bytes()
}

// StatusCode returns the status code of the response.
// It is http.StatusOK if the handler did not set a status.
func (t *ResponseSaver) StatusCode() int {
	if !t.wroteHeaders {
		return http.StatusOK
	}
	return t.status
}

// Unwrap returns the underlying writer, for use with http.ResponseController.
func (t *ResponseSaver) Unwrap() http.ResponseWriter {
	return t.rw
}

// NewResponseSaver returns a new ResponseSaver for the given writer.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		b:         &bytes.Buffer{},
	}
}
