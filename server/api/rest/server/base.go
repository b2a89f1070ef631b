// Package server implements the REST API handler structs and router
// assembly: handler structs embed *APIBase for the common JSON/Error
// response helpers, each holding the service(s) it needs. This runtime's
// callers are trusted internal services, so there is no auth surface.
package server

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/server/api/rest/documents"
)

// APIBase carries the logger and the small set of response helpers every
// handler struct uses.
type APIBase struct {
	Log logger.Log
}

// JSON writes v as a JSON response body with the given status code.
func (a *APIBase) JSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

// Error logs err and writes the ErrorDocument for the matching
// gerror.Error kind (or a generic 500 for anything else).
func (a *APIBase) Error(w http.ResponseWriter, r *http.Request, err error) {
	doc := documents.NewErrorDocument(err)
	if doc.HTTPStatusCode >= 500 {
		a.Log.Errorf("request failed: %s", err.Error())
	} else {
		a.Log.Debugf("request failed: %s", err.Error())
	}
	a.JSON(w, r, doc.HTTPStatusCode, doc)
}

// ErrorNotLogged writes the ErrorDocument without logging — for expected,
// high-volume failure paths (e.g. signal delivery racing a run that has
// already moved on) where logging every occurrence would be noise.
func (a *APIBase) ErrorNotLogged(w http.ResponseWriter, r *http.Request, err error) {
	doc := documents.NewErrorDocument(err)
	a.JSON(w, r, doc.HTTPStatusCode, doc)
}

// decodeJSON reads and JSON-decodes the request body into v, returning a
// ValidationFailed gerror on malformed input.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return gerror.NewErrValidationFailed("malformed request body: " + err.Error())
	}
	return nil
}
