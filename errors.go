package spiegami

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the caller-visible failure taxonomy.
var (
	ErrInvalidInput        = errors.New("spiegami: invalid input")
	ErrQuotaExhausted      = errors.New("spiegami: daily quota exhausted")
	ErrUpstreamTimeout     = errors.New("spiegami: upstream timed out")
	ErrUpstreamRateLimited = errors.New("spiegami: upstream rate limited")
	ErrUpstreamRejected    = errors.New("spiegami: upstream rejected request")
	ErrUpstreamUnavailable = errors.New("spiegami: upstream unavailable")
)

// RequestError pairs a taxonomy sentinel with a caller-facing message.
type RequestError struct {
	Err     error
	Message string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Message)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func invalidInput(format string, args ...any) error {
	return &RequestError{Err: ErrInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// StatusCode maps a taxonomy error to the HTTP status served to callers.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrQuotaExhausted), errors.Is(err, ErrUpstreamRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorMessage extracts the caller-facing message from a taxonomy error.
// Callers never see stack traces or wrapped internals.
func ErrorMessage(err error) string {
	var re *RequestError
	if errors.As(err, &re) && re.Message != "" {
		return re.Message
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "richiesta non valida"
	case errors.Is(err, ErrQuotaExhausted):
		return "quota giornaliera esaurita, riprova domani"
	case errors.Is(err, ErrUpstreamTimeout):
		return "il servizio di generazione non ha risposto in tempo"
	case errors.Is(err, ErrUpstreamRateLimited):
		return "il servizio di generazione è momentaneamente sovraccarico"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "il servizio di generazione non è raggiungibile"
	default:
		return "errore interno"
	}
}
