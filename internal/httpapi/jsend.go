package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type envelopeStatus string

const (
	statusSuccess envelopeStatus = "success"
	statusFail    envelopeStatus = "fail"
	statusError   envelopeStatus = "error"
)

// envelope is a JSend body. Fail and error bodies echo the request id so an
// operator can find the matching log line.
type envelope struct {
	Status    envelopeStatus `json:"status"`
	Data      any            `json:"data,omitempty"`
	Message   string         `json:"message,omitempty"`
	Code      int            `json:"code,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func respond(c echo.Context, code int, body envelope) error {
	if body.Status != statusSuccess {
		body.RequestID = requestID(c)
	}
	return c.JSON(code, body)
}

func requestID(c echo.Context) string {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}

func ok(c echo.Context, data any) error {
	return respond(c, http.StatusOK, envelope{Status: statusSuccess, Data: data})
}

// accepted answers a trigger whose work continues in the background.
func accepted(c echo.Context, data any) error {
	return respond(c, http.StatusAccepted, envelope{Status: statusSuccess, Data: data})
}

func fail(c echo.Context, code int, message string) error {
	return respond(c, code, envelope{Status: statusFail, Message: message})
}

func failFields(c echo.Context, fields map[string]string) error {
	return respond(c, http.StatusBadRequest, envelope{
		Status:  statusFail,
		Message: "Validation failed",
		Data:    map[string]any{"validation_errors": fields},
	})
}

func failUnavailable(c echo.Context, message string) error {
	return fail(c, http.StatusServiceUnavailable, message)
}

// serverError logs err with the request id and answers with a 500 error
// envelope carrying only message.
func (s *Server) serverError(c echo.Context, err error, message string) error {
	s.logger.Error().
		Err(err).
		Str("request_id", requestID(c)).
		Str("route", c.Path()).
		Msg(message)
	return respond(c, http.StatusInternalServerError, envelope{
		Status:  statusError,
		Message: message,
		Code:    http.StatusInternalServerError,
	})
}
