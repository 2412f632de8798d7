package httpapi

import (
	"errors"
	"net/http"

	"palctl/internal/config"
	"palctl/internal/control"
	"palctl/internal/palapi"
)

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) (int, string) {
	var (
		peerErr      *palapi.PeerError
		transportErr *palapi.TransportError
		attemptsErr  *palapi.AttemptsError
	)
	switch {
	case errors.Is(err, control.ErrActionsDisabled):
		return http.StatusForbidden, err.Error()
	case palapi.IsConfigError(err), errors.Is(err, control.ErrBackupNotConfigured):
		return http.StatusPreconditionFailed, err.Error()
	case palapi.IsAuthError(err):
		return http.StatusBadGateway, "credential rejected: " + err.Error()
	case errors.Is(err, control.ErrRestartInProgress), errors.Is(err, control.ErrNoCountdown):
		return http.StatusConflict, err.Error()
	case errors.Is(err, control.ErrInvalidArgument), errors.Is(err, config.ErrInvalid):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, control.ErrNotStarted):
		return http.StatusServiceUnavailable, err.Error()
	case errors.As(err, &peerErr), errors.As(err, &transportErr), errors.As(err, &attemptsErr):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
