package wrapper

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
)

// Error is a structured API error. It serializes as
//
//	{"error": "TOO_MANY_REQUESTS", "message": "Too many requests, slow down"}
//
// where error is a stable machine-readable code and message is human text.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is implements errors.Is for comparing error codes.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// With returns a copy of the error with a custom message.
func (e *Error) With(message string) *Error {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	return &dup
}

// Predefined sentinel errors
var (
	ErrUnauthorized    = &Error{Code: "UNAUTHORIZED", Message: "Unauthorized", Status: http.StatusUnauthorized}
	ErrNotFound        = &Error{Code: "NOT_FOUND", Message: "Resource not found", Status: http.StatusNotFound}
	ErrTooManyRequests = &Error{Code: "TOO_MANY_REQUESTS", Message: "Too many requests", Status: http.StatusTooManyRequests}
	ErrInternal        = &Error{Code: "INTERNAL_SERVER_ERROR", Message: "Internal server error", Status: http.StatusInternalServerError}
)

// WriteError writes err as a JSON response. Middleware uses it when the
// wrapper is not installed and the error cannot be deferred to state.
func WriteError(w http.ResponseWriter, err *Error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if encErr := json.NewEncoder(buf).Encode(err); encErr != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	w.Write(buf.Bytes())
}
