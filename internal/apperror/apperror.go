package apperror

import "net/http"

type Code string

const (
	BadRequest Code = "BAD_REQUEST"
	NotFound   Code = "NOT_FOUND"
	Internal   Code = "INTERNAL"
	Conflict   Code = "CONFLICT"
)

type AppError struct {
	code    Code
	message string
	details map[string]any
}

func New(code Code, message string) *AppError {
	return &AppError{code: code, message: message}
}

// WithDetail attaches a structured field (e.g. canResume, cooldownDaysLeft)
// that handlers include in the error response so callers can act on a
// conflict without parsing the message text.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

func (e *AppError) Error() string           { return e.message }
func (e *AppError) Code() Code              { return e.code }
func (e *AppError) Message() string         { return e.message }
func (e *AppError) Details() map[string]any { return e.details }

func (e *AppError) HTTPStatus() int {
	switch e.code {
	case BadRequest:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
