package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/pssim/internal/platform/remote"
)

// Error codes written by the middleware and the error handler.
const (
	CodeTimeout         = "timeout"
	CodePayloadTooLarge = "payloadTooLarge"
	CodeTooManyRequests = "tooManyRequests"
	CodeInternalError   = "internalError"
	CodeNotFound        = "notFound"
	CodeMalformed       = "malformedRequest"
)

// WriteError writes an error body in the record system's format.
func WriteError(c echo.Context, status int, code, detail string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, remote.ErrorBody{ErrorCode: code, ErrorDetail: detail})
}

// ErrorHandler renders errors returned by handlers as remote.ErrorBody.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		status := http.StatusInternalServerError
		code := CodeInternalError
		detail := ""

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if msg, ok := he.Message.(string); ok {
				detail = msg
			}
			switch status {
			case http.StatusNotFound, http.StatusMethodNotAllowed:
				code = CodeNotFound
			case http.StatusRequestEntityTooLarge:
				code = CodePayloadTooLarge
			case http.StatusTooManyRequests:
				code = CodeTooManyRequests
			case http.StatusGatewayTimeout:
				code = CodeTimeout
			case http.StatusBadRequest:
				code = CodeMalformed
			}
		}
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = WriteError(c, status, code, strings.TrimSpace(detail))
	}
}
