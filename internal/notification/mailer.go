package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"laundry-sync-backend/config"
	"laundry-sync-backend/internal/model"
)

// MachineAlert is the operator-facing detail of a machine fault.
type MachineAlert struct {
	MachineID    string
	ErrorType    string
	ErrorMessage string
	OrderCode    *string
}

// Mailer sends the customer and operator emails.
type Mailer interface {
	SendOrderCreated(ctx context.Context, order model.Order) error
	SendOrderCompleted(ctx context.Context, order model.Order) error
	SendErrorNotification(ctx context.Context, alert MachineAlert) error
}

// SMTPMailer delivers plain-text emails over SMTP.
type SMTPMailer struct {
	cfg    config.EmailConfig
	client *mail.Client
	mu     sync.Mutex
}

// NewSMTPMailer prepares an SMTP client. No connection is made until the first send.
func NewSMTPMailer(cfg config.EmailConfig) (*SMTPMailer, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}
	return &SMTPMailer{cfg: cfg, client: client}, nil
}

func (m *SMTPMailer) SendOrderCreated(ctx context.Context, order model.Order) error {
	subject := fmt.Sprintf("Order %s received", order.OrderCode)
	return m.send(ctx, order.CustomerEmail, subject, orderCreatedBody(order, m.cfg.TrackingBaseURL))
}

func (m *SMTPMailer) SendOrderCompleted(ctx context.Context, order model.Order) error {
	subject := fmt.Sprintf("Order %s is ready for pickup", order.OrderCode)
	return m.send(ctx, order.CustomerEmail, subject, orderCompletedBody(order, m.cfg.TrackingBaseURL))
}

func (m *SMTPMailer) SendErrorNotification(ctx context.Context, alert MachineAlert) error {
	if m.cfg.AdminAddress == "" {
		return fmt.Errorf("no admin address configured")
	}
	subject := fmt.Sprintf("Machine %s reported %s", alert.MachineID, alert.ErrorType)
	return m.send(ctx, m.cfg.AdminAddress, subject, errorBody(alert))
}

func (m *SMTPMailer) send(ctx context.Context, to, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return fmt.Errorf("invalid sender %q: %w", m.cfg.From, err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", to, err)
	}
	return nil
}

// LogMailer stands in when email is disabled.
type LogMailer struct {
	log *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{log: logger.Named("mailer")}
}

func (m *LogMailer) SendOrderCreated(_ context.Context, order model.Order) error {
	m.log.Info("email disabled, skipping order created mail", zap.String("order_code", order.OrderCode))
	return nil
}

func (m *LogMailer) SendOrderCompleted(_ context.Context, order model.Order) error {
	m.log.Info("email disabled, skipping order completed mail", zap.String("order_code", order.OrderCode))
	return nil
}

func (m *LogMailer) SendErrorNotification(_ context.Context, alert MachineAlert) error {
	m.log.Info("email disabled, skipping error mail",
		zap.String("machine_id", alert.MachineID),
		zap.String("error_type", alert.ErrorType))
	return nil
}

func trackingURL(base, code string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/track/" + code
}

func orderCreatedBody(order model.Order, base string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\nWe received your order %s (%s, %d).\n", order.CustomerName, order.OrderCode, order.Package, order.Price)
	if url := trackingURL(base, order.OrderCode); url != "" {
		fmt.Fprintf(&b, "Track it at %s\n", url)
	}
	return b.String()
}

func orderCompletedBody(order model.Order, base string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\nYour order %s is done and ready for pickup.\n", order.CustomerName, order.OrderCode)
	if url := trackingURL(base, order.OrderCode); url != "" {
		fmt.Fprintf(&b, "Details: %s\n", url)
	}
	return b.String()
}

func errorBody(alert MachineAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Machine: %s\nError: %s\n", alert.MachineID, alert.ErrorType)
	if alert.ErrorMessage != "" {
		fmt.Fprintf(&b, "Message: %s\n", alert.ErrorMessage)
	}
	if alert.OrderCode != nil {
		fmt.Fprintf(&b, "Order: %s\n", *alert.OrderCode)
	}
	return b.String()
}
