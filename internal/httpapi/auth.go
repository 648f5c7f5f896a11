package httpapi

import (
	"net/http"
	"strings"
)

const csrfHeader = "X-CSRF-Token"

// checkCSRF gates mutating calls from browser contexts. The token is an
// opaque pass-through credential minted by the session layer; this core only
// requires its presence when the deployment demands one, it never validates
// the value itself.
func checkCSRF(r *http.Request, required bool) *apiError {
	if !required {
		return nil
	}
	switch r.Method {
	case http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
	default:
		return nil
	}
	if strings.TrimSpace(r.Header.Get(csrfHeader)) == "" {
		return &apiError{status: http.StatusForbidden, code: "csrf_token_required", message: "missing " + csrfHeader + " header"}
	}
	return nil
}

type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string {
	return e.message
}
