package telemetry

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"laundry-sync-backend/config"
	"laundry-sync-backend/internal/metrics"
	"laundry-sync-backend/internal/transport"
	"laundry-sync-backend/internal/worker"
)

// Kind is the category of an inbound message, decided by its topic.
type Kind int

const (
	KindUnknown Kind = iota
	KindStatus
	KindError
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindError:
		return "error"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Handler applies decoded telemetry.
type Handler interface {
	HandleStatus(ctx context.Context, msg StatusMessage) error
	HandleError(ctx context.Context, msg ErrorReport) error
	HandleEvent(ctx context.Context, msg LifecycleEvent) error
}

// Submitter runs a task serialized with every other task of the same key.
type Submitter interface {
	Submit(ctx context.Context, key string, task worker.Task) error
}

// Router classifies inbound messages and hands them to the Handler on the
// shard owning their machine. It keeps no state of its own.
type Router struct {
	errorsTopic string
	eventsTopic string
	handler     Handler
	pool        Submitter
	log         *zap.Logger
}

// NewRouter creates a router for the topic layout in cfg.
func NewRouter(cfg config.MQTTConfig, handler Handler, pool Submitter, logger *zap.Logger) *Router {
	return &Router{
		errorsTopic: cfg.ErrorsTopic(),
		eventsTopic: cfg.EventsTopic(),
		handler:     handler,
		pool:        pool,
		log:         logger.Named("router"),
	}
}

// Classify maps a topic to its message kind.
func (r *Router) Classify(topic string) Kind {
	switch {
	case strings.HasSuffix(topic, "/status"):
		return KindStatus
	case topic == r.errorsTopic:
		return KindError
	case topic == r.eventsTopic:
		return KindEvent
	default:
		return KindUnknown
	}
}

// Run routes messages until ctx is done or the stream is closed.
func (r *Router) Run(ctx context.Context, messages <-chan transport.Message) error {
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				r.log.Info("message stream closed")
				return nil
			}
			r.Route(ctx, msg)
		case <-ctx.Done():
			return nil
		}
	}
}

// Route decodes one message and schedules its handler. Malformed payloads are
// dropped with a single warning.
func (r *Router) Route(ctx context.Context, msg transport.Message) {
	kind := r.Classify(msg.Topic)
	if kind == KindUnknown {
		r.log.Debug("ignoring message on unrouted topic", zap.String("topic", msg.Topic))
		metrics.MessagesDropped.WithLabelValues("unrouted").Inc()
		return
	}
	metrics.MessagesReceived.WithLabelValues(kind.String()).Inc()

	var (
		machineID string
		apply     func(context.Context) error
	)
	switch kind {
	case KindStatus:
		status, err := DecodeStatus(msg.Payload)
		if err != nil {
			r.drop(msg, err)
			return
		}
		status.ReceivedAt = msg.ReceivedAt
		machineID = status.MachineID
		apply = func(ctx context.Context) error { return r.handler.HandleStatus(ctx, status) }
	case KindError:
		report, err := DecodeError(msg.Payload)
		if err != nil {
			r.drop(msg, err)
			return
		}
		report.ReceivedAt = msg.ReceivedAt
		machineID = report.MachineID
		apply = func(ctx context.Context) error { return r.handler.HandleError(ctx, report) }
	case KindEvent:
		event, err := DecodeEvent(msg.Payload)
		if err != nil {
			r.drop(msg, err)
			return
		}
		event.ReceivedAt = msg.ReceivedAt
		machineID = event.MachineID
		apply = func(ctx context.Context) error { return r.handler.HandleEvent(ctx, event) }
	}

	err := r.pool.Submit(ctx, machineID, func(ctx context.Context) {
		start := time.Now()
		if err := apply(ctx); err != nil {
			metrics.HandlerErrors.WithLabelValues(kind.String()).Inc()
			r.log.Error("failed to apply telemetry",
				zap.String("kind", kind.String()),
				zap.String("machine_id", machineID),
				zap.Error(err))
		}
		metrics.HandlerDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	})
	if err != nil {
		r.log.Warn("failed to schedule telemetry", zap.String("machine_id", machineID), zap.Error(err))
		metrics.MessagesDropped.WithLabelValues("unscheduled").Inc()
	}
}

func (r *Router) drop(msg transport.Message, err error) {
	r.log.Warn("dropping malformed message",
		zap.String("topic", msg.Topic),
		zap.Int("bytes", len(msg.Payload)),
		zap.Error(err))
	metrics.MessagesDropped.WithLabelValues("malformed").Inc()
}
