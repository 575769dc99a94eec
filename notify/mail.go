package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// Mailer sends alerts over SMTP. Port 465 uses implicit TLS; other ports use
// STARTTLS when the server offers it.
type Mailer struct {
	Host     string
	Port     int
	Username string
	Password string
	To       []string
	From     string // defaults to Username

	// TLSConfig overrides the client TLS settings (tests).
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// NewMailer returns nil when any of host, user, password or recipients is
// empty. to may hold several addresses separated by commas.
func NewMailer(host string, port int, user, pass, to string) *Mailer {
	var rcpts []string
	for _, addr := range strings.Split(to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			rcpts = append(rcpts, addr)
		}
	}
	if host == "" || user == "" || pass == "" || len(rcpts) == 0 {
		return nil
	}
	if port == 0 {
		port = 465
	}
	return &Mailer{Host: host, Port: port, Username: user, Password: pass, To: rcpts}
}

func (m *Mailer) from() string {
	if m.From != "" {
		return m.From
	}
	return m.Username
}

func (m *Mailer) tlsConfig() *tls.Config {
	if m.TLSConfig != nil {
		return m.TLSConfig
	}
	return &tls.Config{ServerName: m.Host, MinVersion: tls.VersionTLS12}
}

// Message renders the RFC 5322 message for a.
func (m *Mailer) Message(a Alert) []byte {
	var b strings.Builder
	b.WriteString("From: " + m.from() + "\r\n")
	b.WriteString("To: " + strings.Join(m.To, ", ") + "\r\n")
	b.WriteString("Subject: " + mime.BEncoding.Encode("UTF-8", SubjectPrefix+a.Subject) + "\r\n")
	b.WriteString("Date: " + a.Time.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(a.Body(), "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Notify delivers a by mail.
func (m *Mailer) Notify(ctx context.Context, a Alert) error {
	if m == nil {
		return nil
	}
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	addr := net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	dialer := &net.Dialer{Deadline: deadline}
	var conn net.Conn
	var err error
	if m.Port == 465 {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, m.tlsConfig())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, m.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	if m.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(m.tlsConfig()); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	if ok, _ := c.Extension("AUTH"); ok {
		if err := c.Auth(smtp.PlainAuth("", m.Username, m.Password, m.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(m.from()); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range m.To {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(m.Message(a)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return c.Quit()
}
