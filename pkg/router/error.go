package router

import (
	"encoding/json"
	"io"
)

// Error is an error that knows how to write itself as a response body.
type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

// JsonError is encoded as {"code": ..., "error": ...}. Fields carries per field
// messages for input that failed validation and is omitted when empty.
type JsonError struct {
	Code   int               `json:"code"`
	Err    string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{
		Code: code,
		Err:  err,
	}
}

// WithFields returns a copy of e carrying fields.
func (e JsonError) WithFields(fields map[string]string) JsonError {
	e.Fields = fields
	return e
}

func (e JsonError) StatusCode() int {
	return e.Code
}

func (e JsonError) Error() string {
	return e.Err
}

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}
