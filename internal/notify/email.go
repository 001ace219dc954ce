package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// EmailConfig holds SMTP credentials. An empty Server defaults to
// smtp.<domain of User>. To is the operator address used by Deliver; it may
// be empty when only per-account addresses are mailed.
type EmailConfig struct {
	User   string
	Pass   string
	To     string
	Server string
}

// Email sends plain-text mail, trying implicit TLS on 465 before STARTTLS on 587.
type Email struct {
	cfg     EmailConfig
	timeout time.Duration
	send    func(ctx context.Context, addr string, implicitTLS bool, to []string, msg []byte) error
}

func NewEmail(cfg EmailConfig) (*Email, error) {
	if cfg.User == "" || cfg.Pass == "" {
		return nil, errors.New("email: user and pass are required")
	}
	if cfg.Server == "" {
		at := strings.LastIndex(cfg.User, "@")
		if at < 0 || at == len(cfg.User)-1 {
			return nil, fmt.Errorf("email: cannot derive SMTP server from %q", cfg.User)
		}
		cfg.Server = "smtp." + cfg.User[at+1:]
	}
	e := &Email{cfg: cfg, timeout: 10 * time.Second}
	e.send = e.smtpSend
	return e, nil
}

func (e *Email) Deliver(ctx context.Context, title, body string) error {
	if strings.TrimSpace(e.cfg.To) == "" {
		return errors.New("email: no operator recipient configured")
	}
	return e.DeliverTo(ctx, e.cfg.To, title, body)
}

// DeliverTo mails one message to a comma-separated recipient list.
func (e *Email) DeliverTo(ctx context.Context, to, title, body string) error {
	rcpts := splitRecipients(to)
	if len(rcpts) == 0 {
		return errors.New("email: recipient address not provided")
	}
	msg := e.compose(strings.Join(rcpts, ", "), title, body)
	errTLS := e.send(ctx, net.JoinHostPort(e.cfg.Server, "465"), true, rcpts, msg)
	if errTLS == nil {
		return nil
	}
	if err := e.send(ctx, net.JoinHostPort(e.cfg.Server, "587"), false, rcpts, msg); err != nil {
		return fmt.Errorf("email: tls: %v; starttls: %w", errTLS, err)
	}
	return nil
}

func splitRecipients(to string) []string {
	var out []string
	for _, rcpt := range strings.Split(to, ",") {
		if rcpt = strings.TrimSpace(rcpt); rcpt != "" {
			out = append(out, rcpt)
		}
	}
	return out
}

func (e *Email) compose(to, title, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", mime.QEncoding.Encode("utf-8", "Checkin Nexus"), e.cfg.User)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", title))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func (e *Email) smtpSend(ctx context.Context, addr string, implicitTLS bool, to []string, msg []byte) error {
	dialer := &net.Dialer{Timeout: e.timeout}
	host, _, _ := net.SplitHostPort(addr)
	tlsCfg := &tls.Config{ServerName: host}

	var conn net.Conn
	var err error
	if implicitTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(3 * e.timeout))
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if !implicitTLS {
		if err := c.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if err := c.Auth(smtp.PlainAuth("", e.cfg.User, e.cfg.Pass, host)); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Mail(e.cfg.User); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
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
