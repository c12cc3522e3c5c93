package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"laundry-sync-backend/internal/command"
	"laundry-sync-backend/internal/notification"
	"laundry-sync-backend/internal/store"
	"laundry-sync-backend/internal/transport"
)

// Link reports the state of the broker connection.
type Link interface {
	IsConnected() bool
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store    store.Store
	operator *command.Service
	notifier notification.Notifier
	link     Link
	webpush  *webpush.Options
	log      *zap.Logger
	now      func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, operator *command.Service, notifier notification.Notifier, link Link, webpushOptions *webpush.Options, logger *zap.Logger) *Handler {
	return &Handler{
		store:    s,
		operator: operator,
		notifier: notifier,
		link:     link,
		webpush:  webpushOptions,
		log:      logger.Named("api"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrMachineUnavailable),
		errors.Is(err, command.ErrMachineBusy),
		errors.Is(err, command.ErrMachineState):
		return http.StatusConflict
	case errors.Is(err, command.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, store.ErrCodeExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
