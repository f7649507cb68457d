package domain

import apperrors "sfusignal/pkg/errors"

var (
	ErrCannotConsume         = apperrors.New(apperrors.ErrCodeCannotConsume, "Cannot Consume")
	ErrTransportSetupFailure = apperrors.New(apperrors.ErrCodeTransportSetupFailure, "transport setup failed")
	ErrHandshakeFailed       = apperrors.New(apperrors.ErrCodeHandshakeFailed, "dtls handshake failed")
	ErrProtocolViolation     = apperrors.New(apperrors.ErrCodeProtocolViolation, "request out of order")
	ErrTransportNotFound     = apperrors.New(apperrors.ErrCodeTransportNotFound, "transport not found")
	ErrRouterUnavailable     = apperrors.New(apperrors.ErrCodeRouterUnavailable, "router not created, call getRtpCapabilities first")
	ErrWorkerUnavailable     = apperrors.New(apperrors.ErrCodeWorkerUnavailable, "no running worker")
	ErrSessionClosed         = apperrors.New(apperrors.ErrCodeSessionClosed, "session closed")
	ErrSessionNotFound       = apperrors.NewNotFoundError("session")
	ErrInvalidInput          = apperrors.NewInvalidInputError("invalid parameters")
)
