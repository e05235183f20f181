package router

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/MilliHub-dev/Aeko-backend-sub001/core"
)

type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{
		Code: code,
		Err:  err,
	}
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

var kindStatus = map[core.Kind]int{
	core.KindUnauthorized:      http.StatusUnauthorized,
	core.KindForbidden:         http.StatusForbidden,
	core.KindNotFound:          http.StatusNotFound,
	core.KindBadFrame:          http.StatusBadRequest,
	core.KindConflict:          http.StatusConflict,
	core.KindRateLimited:       http.StatusTooManyRequests,
	core.KindTimeout:           http.StatusGatewayTimeout,
	core.KindUnavailable:       http.StatusServiceUnavailable,
	core.KindPolicyRejected:    http.StatusForbidden,
	core.KindPersistenceFailed: http.StatusInternalServerError,
}

// kindError maps the hub's error taxonomy to an HTTP response, keeping the
// sensitive-message redaction the wire path applies.
func kindError(err error) (Error, bool) {
	var he *core.Error
	if !errors.As(err, &he) {
		return nil, false
	}
	status, ok := kindStatus[he.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return NewJsonError(status, he.Public()), true
}
