package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"

	"go.uber.org/zap"
)

// Mailer delivers a finished report. Send is invoked at most once per
// session by the claim holder.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string, attachment []byte) error
}

// SMTPConfig configures the SMTP delivery collaborator.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends reports over plain SMTP with the PDF attached.
type SMTPMailer struct {
	cfg    SMTPConfig
	logger *zap.Logger
}

// NewSMTPMailer creates the SMTP delivery collaborator.
func NewSMTPMailer(cfg SMTPConfig, logger *zap.Logger) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg, logger: logger}
}

// Send delivers the report email. The context bounds only the local message
// assembly; smtp.SendMail manages its own connection lifetime.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string, attachment []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := buildMessage(m.cfg.From, to, subject, body, attachment)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}

	m.logger.Info("Report email delivered",
		zap.String("to", to),
		zap.Int("attachment_bytes", len(attachment)),
	)
	return nil
}

// buildMessage assembles a multipart MIME message with an optional PDF
// attachment.
func buildMessage(from, to, subject, body string, attachment []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", w.Boundary())

	textPart, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := textPart.Write([]byte(body)); err != nil {
		return nil, err
	}

	if len(attachment) > 0 {
		pdfPart, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"application/pdf"},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {`attachment; filename="research-report.pdf"`},
		})
		if err != nil {
			return nil, err
		}
		enc := base64.NewEncoder(base64.StdEncoding, pdfPart)
		if _, err := enc.Write(attachment); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
