// Package documents holds the JSON wire shapes returned by the REST API —
// plain DTOs with no behaviour, kept separate from common/models so the
// wire format can evolve independently of the storage model.
package documents

import (
	"errors"

	"github.com/flowbeaver/flowbeaver/common/gerror"
)

// ErrorDocument is the body of every non-2xx response: a plain message
// under "error" plus a stable machine-readable code.
type ErrorDocument struct {
	Code           string `json:"code,omitempty"`
	HTTPStatusCode int    `json:"-"`
	Message        string `json:"error"`
}

// NewErrorDocument builds an ErrorDocument from the first gerror.Error found
// in err's chain, falling back to a generic 500 InternalError for errors
// that didn't originate from gerror.NewErrXxx (e.g. a raw driver error).
func NewErrorDocument(err error) ErrorDocument {
	var gerr gerror.Error
	if !errors.As(err, &gerr) {
		gerr = gerror.NewErrInternal("", err)
	}
	return ErrorDocument{
		Code:           string(gerr.Code()),
		HTTPStatusCode: gerr.HTTPStatusCode(),
		Message:        gerr.Message(),
	}
}
