package httpx

import (
	"errors"
	"net/http"

	"github.com/keystone-admin/keystone-admin/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrCircularHierarchy):
		Problem(w, http.StatusUnprocessableEntity, "Circular Hierarchy", err.Error())
	case errors.Is(err, shared.ErrRoleHasChildren):
		Problem(w, http.StatusConflict, "Role Has Children", err.Error())
	case errors.Is(err, shared.ErrDuplicateCode):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, shared.ErrNoPrincipal):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
