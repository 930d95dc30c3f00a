package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medshare/medshare/internal/platform/apperr"
)

// UnexpectedErrorMessage is shown for any error without a user-facing kind.
const UnexpectedErrorMessage = "An unexpected error occurred"

// ErrorBody is the error half of the response envelope.
type ErrorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func statusFromError(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return apperr.HTTPStatus(err)
}

// Describe maps err to the status and message a caller may see. Kinded
// errors and echo HTTP errors other than 500 keep their message; everything
// else is reported as unexpected.
func Describe(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Code == http.StatusInternalServerError {
			return he.Code, UnexpectedErrorMessage
		}
		return he.Code, fmt.Sprint(he.Message)
	}
	if e, ok := apperr.As(err); ok {
		return apperr.HTTPStatus(err), e.Message
	}
	return http.StatusInternalServerError, UnexpectedErrorMessage
}

// ErrorHandler renders every error returned through echo as
// {status:"error", message}. Unexpected errors are logged, never echoed.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, msg := Describe(err)
		if status >= 500 {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("path", c.Request().URL.Path).
				Msg("unhandled error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, ErrorBody{Status: "error", Message: msg})
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}
