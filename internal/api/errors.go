package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/restxmpp/gateway/internal/xmpp"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewBadRequestError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    lower(http.StatusText(http.StatusBadRequest)),
	}
}

func NewNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Message:    lower(http.StatusText(http.StatusNotFound)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Message:    lower(http.StatusText(http.StatusUnauthorized)),
	}
}

func NewBadGatewayError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadGateway,
		Message:    lower(http.StatusText(http.StatusBadGateway)),
		Err:        err,
	}
}

// apiErrorFor translates core errors into API responses: bad credentials
// are 401, unknown ids 404, bad parameters 400 and upstream protocol
// failures 502.
func apiErrorFor(err error) *ApiError {
	var (
		authErr   *xmpp.AuthError
		valueErr  *xmpp.ValueError
		sendErr   *xmpp.SendError
		rosterErr *xmpp.RosterError
		connErr   *xmpp.ConnectionError
	)

	switch {
	case errors.Is(err, xmpp.ErrNotFound):
		return NewNotFoundError()
	case errors.As(err, &authErr):
		return NewUnauthorizedError()
	case errors.As(err, &valueErr):
		return NewBadRequestError()
	case errors.As(err, &sendErr), errors.As(err, &rosterErr), errors.As(err, &connErr):
		return NewBadGatewayError(err)
	default:
		return NewInternalServerError(err)
	}
}
