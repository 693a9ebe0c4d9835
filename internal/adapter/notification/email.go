package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// defaultSendTimeout bounds a send whose context has no deadline.
const defaultSendTimeout = 10 * time.Second

type sendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends plain-text mail. The message doubles as the subject.
type EmailNotifier struct {
	cfg    SMTPConfig
	send   sendFunc
	logger *zap.Logger
	tracer trace.Tracer
}

func NewEmailNotifier(cfg SMTPConfig, logger *zap.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		send:   sendMail,
		logger: logger,
		tracer: otel.Tracer("allocation-service/notification"),
	}
}

func (n *EmailNotifier) Send(ctx context.Context, destination, message string) error {
	ctx, span := n.tracer.Start(ctx, "smtp.Send")
	defer span.End()
	span.SetAttributes(attribute.String("to", destination))

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))

	if err := n.send(ctx, addr, auth, n.cfg.From, []string{destination}, compose(n.cfg.From, destination, message)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.logger.Error("sending email failed", zap.String("to", destination), zap.Error(err))
		return fmt.Errorf("send mail to %s: %w", destination, err)
	}

	n.logger.Info("email sent", zap.String("to", destination), zap.String("subject", message))
	return nil
}

// sendMail is smtp.SendMail bounded by ctx: the connection is dialled with it,
// carries its deadline and is closed when it is cancelled.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultSendTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := converse(conn, addr, a, from, to, msg); err != nil {
		if ctx.Err() == nil && time.Now().Before(deadline) {
			return err
		}
		// the conn deadline can fire just ahead of the context's own timer
		cause := ctx.Err()
		if cause == nil {
			cause = context.DeadlineExceeded
		}
		return fmt.Errorf("%w: %v", cause, err)
	}
	return nil
}

func converse(conn net.Conn, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return fmt.Errorf("smtp: server doesn't support AUTH")
		}
		if err := c.Auth(a); err != nil {
			return err
		}
	}

	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func compose(from, to, message string) []byte {
	subject := strings.ReplaceAll(message, "\n", " ")
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(message + "\r\n")
	return []byte(b.String())
}

// LogNotifier only logs; used when no SMTP host is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, destination, message string) error {
	n.logger.Warn("notification", zap.String("to", destination), zap.String("message", message))
	return nil
}
