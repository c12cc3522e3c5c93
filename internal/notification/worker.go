package notification

import (
	"context"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"laundry-sync-backend/config"
	"laundry-sync-backend/internal/metrics"
	"laundry-sync-backend/internal/model"
	"laundry-sync-backend/internal/store"
)

// Notifier triggers the external side effects of state changes. Calls return
// immediately; delivery happens in the background.
type Notifier interface {
	NotifyOrderCreated(order model.Order)
	NotifyOrderCompleted(order model.Order)
	NotifyMachineError(alert MachineAlert)
}

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WebPushOptions builds the VAPID options, or nil when push is not configured.
func WebPushOptions(cfg config.PushConfig) *webpush.Options {
	if !cfg.Enabled() {
		return nil
	}
	return &webpush.Options{
		Subscriber:      cfg.Subject,
		VAPIDPublicKey:  cfg.PublicKey,
		VAPIDPrivateKey: cfg.PrivateKey,
		TTL:             cfg.TTL,
	}
}

type jobKind int

const (
	jobOrderCreated jobKind = iota
	jobOrderCompleted
	jobMachineError
)

func (k jobKind) String() string {
	switch k {
	case jobOrderCreated:
		return "order_created"
	case jobOrderCompleted:
		return "order_completed"
	default:
		return "machine_error"
	}
}

type job struct {
	kind  jobKind
	order model.Order
	alert MachineAlert
}

// pushMessage is the payload shown by the tracking page's service worker.
type pushMessage struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	OrderCode string `json:"orderCode"`
}

// Dispatcher manages a pool of workers delivering emails and push notifications.
type Dispatcher struct {
	size    int
	jobs    chan job
	store   store.Store
	mailer  Mailer
	webpush *webpush.Options
	sender  NotificationSender
	log     *zap.Logger
}

// NewDispatcher creates a dispatcher. A nil webpushOptions disables push.
func NewDispatcher(size, queueSize int, st store.Store, mailer Mailer, webpushOptions *webpush.Options, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		size:    size,
		jobs:    make(chan job, queueSize),
		store:   st,
		mailer:  mailer,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		log:     logger.Named("notification"),
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.size; i++ {
		go d.worker(ctx, i)
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	d.log.Debug("worker started", zap.Int("worker", id))
	for {
		select {
		case j := <-d.jobs:
			d.process(ctx, j)
		case <-ctx.Done():
			d.log.Debug("worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

func (d *Dispatcher) NotifyOrderCreated(order model.Order) {
	d.enqueue(job{kind: jobOrderCreated, order: order})
}

func (d *Dispatcher) NotifyOrderCompleted(order model.Order) {
	d.enqueue(job{kind: jobOrderCompleted, order: order})
}

func (d *Dispatcher) NotifyMachineError(alert MachineAlert) {
	d.enqueue(job{kind: jobMachineError, alert: alert})
}

// enqueue never blocks; a full queue drops the job.
func (d *Dispatcher) enqueue(j job) {
	select {
	case d.jobs <- j:
	default:
		metrics.SideEffects.WithLabelValues(j.kind.String(), "dropped").Inc()
		d.log.Warn("notification queue full, dropping job",
			zap.String("kind", j.kind.String()),
			zap.String("order_code", j.order.OrderCode),
			zap.String("machine_id", j.alert.MachineID))
	}
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	switch j.kind {
	case jobOrderCreated:
		if !d.mail(j.kind, func() error { return d.mailer.SendOrderCreated(ctx, j.order) }) {
			return
		}
		if err := d.store.MarkCreatedEmailSent(ctx, j.order.OrderCode); err != nil {
			d.log.Error("failed to flag created email", zap.String("order_code", j.order.OrderCode), zap.Error(err))
		}
	case jobOrderCompleted:
		d.mail(j.kind, func() error { return d.mailer.SendOrderCompleted(ctx, j.order) })
		d.pushOrderCompleted(ctx, j.order)
	case jobMachineError:
		d.mail(j.kind, func() error { return d.mailer.SendErrorNotification(ctx, j.alert) })
	}
}

// mail runs send and records the outcome. Failures are not retried.
func (d *Dispatcher) mail(kind jobKind, send func() error) bool {
	if err := send(); err != nil {
		metrics.SideEffects.WithLabelValues(kind.String(), "failed").Inc()
		d.log.Error("email delivery failed", zap.String("kind", kind.String()), zap.Error(err))
		return false
	}
	metrics.SideEffects.WithLabelValues(kind.String(), "sent").Inc()
	return true
}

// pushOrderCompleted notifies every browser following the order.
func (d *Dispatcher) pushOrderCompleted(ctx context.Context, order model.Order) {
	if d.webpush == nil {
		return
	}
	subscriptions, err := d.store.ListSubscriptionsForOrder(ctx, order.OrderCode)
	if err != nil {
		d.log.Error("failed to fetch subscriptions", zap.String("order_code", order.OrderCode), zap.Error(err))
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := jsoniter.Marshal(pushMessage{
		Title:     "Laundry ready",
		Body:      "Order " + order.OrderCode + " is done and ready for pickup.",
		OrderCode: order.OrderCode,
	})
	if err != nil {
		d.log.Error("failed to encode push payload", zap.Error(err))
		return
	}

	d.log.Info("sending push notifications", zap.Int("count", len(subscriptions)), zap.String("order_code", order.OrderCode))
	for _, sub := range subscriptions {
		d.sendPush(ctx, sub, payload)
	}
}

// sendPush sends a single web push notification.
func (d *Dispatcher) sendPush(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := d.sender.Send(payload, wpSub, d.webpush)
	if err != nil {
		metrics.SideEffects.WithLabelValues("push", "failed").Inc()
		d.log.Warn("error sending push", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		metrics.SideEffects.WithLabelValues("push", "expired").Inc()
		d.log.Info("subscription expired, deleting", zap.String("endpoint", sub.Endpoint))
		if err := d.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			d.log.Warn("failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
		return
	}
	metrics.SideEffects.WithLabelValues("push", "sent").Inc()
}
