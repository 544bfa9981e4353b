package apperr

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HTTPError converts err into an echo error whose body carries the failure
// kind and offending ids. Errors outside the taxonomy are reported as a
// generic 500 with the cause kept as the internal error for logging.
func HTTPError(err error) *echo.HTTPError {
	status := HTTPStatus(err)
	kind := KindOf(err)
	if kind == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	body := map[string]any{"kind": kind, "message": err.Error()}
	if ids := IDsOf(err); len(ids) > 0 {
		body["ids"] = ids
	}
	return echo.NewHTTPError(status, body).SetInternal(err)
}
