package wire

import (
	"errors"

	"github.com/ccyuki/zeppelin/pkg/metaerr"
)

// StatusCode is the wire rendering of the error taxonomy in pkg/metaerr.
type StatusCode string

const (
	StatusOK              StatusCode = "OK"
	StatusNotFound        StatusCode = "NOT_FOUND"
	StatusInvalidArgument StatusCode = "INVALID_ARGUMENT"
	StatusAlreadyExists   StatusCode = "ALREADY_EXISTS"
	StatusConflict        StatusCode = "CONFLICT"
	StatusCorruption      StatusCode = "CORRUPTION"
	StatusIOError         StatusCode = "IO_ERROR"
	StatusIncomplete      StatusCode = "INCOMPLETE"
	StatusTimeout         StatusCode = "TIMEOUT"
)

// StatusFromError maps a metaerr sentinel (possibly wrapped with
// fmt.Errorf's %w) to its wire status code. An unrecognized error maps to
// StatusIOError, since by elimination it is neither a validation failure
// the caller can act on nor a condition the taxonomy names.
func StatusFromError(err error) StatusCode {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, metaerr.NotFound):
		return StatusNotFound
	case errors.Is(err, metaerr.InvalidArgument):
		return StatusInvalidArgument
	case errors.Is(err, metaerr.AlreadyExists):
		return StatusAlreadyExists
	case errors.Is(err, metaerr.Conflict):
		return StatusConflict
	case errors.Is(err, metaerr.Corruption):
		return StatusCorruption
	case errors.Is(err, metaerr.Incomplete):
		return StatusIncomplete
	case errors.Is(err, metaerr.Timeout):
		return StatusTimeout
	default:
		return StatusIOError
	}
}
