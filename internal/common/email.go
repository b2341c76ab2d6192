package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"sync"
)

// EmailSender delivers plain-text alert emails.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// SMTPSender sends mail through an SMTP relay with optional PLAIN auth.
type SMTPSender struct {
	Addr     string
	Username string
	Password string
	From     string
}

// Send implements EmailSender.
func (s SMTPSender) Send(ctx context.Context, to []string, subject, body string) error {
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("smtp address not configured")
	}
	if len(to) == 0 {
		return errors.New("no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if s.Username != "" {
		host, _, err := net.SplitHostPort(s.Addr)
		if err != nil {
			return fmt.Errorf("smtp address: %w", err)
		}
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}
	msg := "From: " + s.From + "\r\n" +
		"To: " + strings.Join(to, ", ") + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n\r\n" + body
	if err := smtp.SendMail(s.Addr, auth, s.From, to, []byte(msg)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// InMemoryEmail provides a test-friendly email sender that records messages.
type InMemoryEmail struct {
	mu     sync.Mutex
	Outbox []Email
}

// Email represents a single email message captured by InMemoryEmail.
type Email struct {
	To      []string
	Subject string
	Body    string
}

// Send records the email in memory.
func (m *InMemoryEmail) Send(_ context.Context, to []string, subject, body string) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Outbox = append(m.Outbox, Email{To: to, Subject: subject, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *InMemoryEmail) Sent() []Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Email(nil), m.Outbox...)
}

// NopEmailSender implements EmailSender without performing any action.
type NopEmailSender struct{}

// Send implements EmailSender.
func (NopEmailSender) Send(context.Context, []string, string, string) error { return nil }
