package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

// NewErrorBody builds an error body tagged with the request id.
func NewErrorBody(c echo.Context, status int, msg string) ErrorBody {
	rid, _ := c.Get(RequestIDKey).(string)
	return ErrorBody{Error: msg, Code: statusCode(status), RequestID: rid}
}

func statusCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusNotFound:
		return "not-found"
	case http.StatusRequestEntityTooLarge:
		return "too-large"
	case http.StatusTooManyRequests:
		return "throttled"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		if status >= 500 {
			return "internal"
		}
		return "error"
	}
}

// HTTPErrorHandler renders errors returned by handlers as ErrorBody. Internal
// errors are logged and replaced by a generic message.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		msg := "internal server error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			msg = fmt.Sprint(he.Message)
		} else {
			rid, _ := c.Get(RequestIDKey).(string)
			logger.Error().Err(err).Str("request_id", rid).Msg("unhandled error")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, NewErrorBody(c, status, msg))
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}
