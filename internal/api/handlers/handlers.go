package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dvloznov/finance-logbook/internal/api/middleware"
	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/settlement"
	"github.com/dvloznov/finance-logbook/internal/syncengine"
)

// SettlementService records and removes settlement payments.
type SettlementService interface {
	RecordPayment(ctx context.Context, p settlement.Payment) (settlement.Receipt, error)
	Remove(ctx context.Context, paymentID string) (settlement.Receipt, error)
}

// Syncer runs and reports sync cycles.
type Syncer interface {
	FullSync(ctx context.Context, reason syncengine.Reason) (syncengine.Report, error)
	Trigger(reason syncengine.Reason)
	Running() bool
	Last() (syncengine.Report, bool)
}

// Queue reports the outbox depth.
type Queue interface {
	Depth(ctx context.Context) (int, error)
}

// Watermarks reports the last successful pull.
type Watermarks interface {
	Watermark(ctx context.Context) (time.Time, bool, error)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrMissingID):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSyncInProgress), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeDomainError(w http.ResponseWriter, err error, fallback string) {
	status := statusFor(err)
	msg := fallback
	if status == http.StatusBadRequest || status == http.StatusNotFound || errors.Is(err, domain.ErrConflict) {
		msg = err.Error()
	}
	middleware.WriteError(w, status, msg)
}
