package notify

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"codeberg.org/helioz/solarminerctl/internal/logger"
)

const subjectPrefix = "[Solar Miner]"

type SMTPConfig struct {
	Server         string
	Port           int
	UseTLS         bool
	From           string
	To             string
	Username       string
	Password       string
	SendOnCritical bool
	SendOnRestart  bool
}

type smtpSink struct {
	cfg  SMTPConfig
	errs errors.Factory
}

// NewSMTPSink returns a Sink delivering plain-text mail. UseTLS selects
// STARTTLS on a plain connection; otherwise an implicit TLS connection
// is made.
func NewSMTPSink(cfg SMTPConfig) Sink {
	return &smtpSink{cfg: cfg, errs: errors.New()}
}

func (s *smtpSink) Send(event Event, subject, body string) error {
	if !s.wants(event) {
		return nil
	}

	msg := s.buildMessage(subject, body)
	addr := fmt.Sprintf("%s:%d", s.cfg.Server, s.cfg.Port)

	var err error
	if s.cfg.UseTLS {
		err = s.sendSTARTTLS(addr, msg)
	} else {
		err = s.sendImplicitTLS(addr, msg)
	}
	if err != nil {
		return err
	}

	logger.Info().Msgf("Notification sent: %s", subject)

	return nil
}

func (s *smtpSink) wants(event Event) bool {
	switch event {
	case EventCriticalTemperature:
		return s.cfg.SendOnCritical
	case EventMinerRestarted, EventStartFailedRetrying:
		return s.cfg.SendOnRestart
	}

	return true
}

func (s *smtpSink) buildMessage(subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", s.cfg.To)
	fmt.Fprintf(&b, "Subject: %s %s\r\n", subjectPrefix, subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")

	return []byte(b.String())
}

func (s *smtpSink) auth() smtp.Auth {
	if s.cfg.Password == "" {
		return nil
	}

	return smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Server)
}

func (s *smtpSink) sendSTARTTLS(addr string, msg []byte) error {
	err := smtp.SendMail(addr, s.auth(), s.cfg.From, []string{s.cfg.To}, msg)
	if err != nil {
		return s.errs.Wrap(ErrSendFailed, err)
	}

	return nil
}

func (s *smtpSink) sendImplicitTLS(addr string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.cfg.Server, MinVersion: tls.VersionTLS12})
	if err != nil {
		return s.errs.Wrap(ErrSMTPConnect, err)
	}

	client, err := smtp.NewClient(conn, s.cfg.Server)
	if err != nil {
		conn.Close()
		return s.errs.Wrap(ErrSMTPConnect, err)
	}
	defer client.Close()

	if auth := s.auth(); auth != nil {
		if err := client.Auth(auth); err != nil {
			return s.errs.Wrap(ErrSMTPAuth, err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return s.errs.Wrap(ErrSendFailed, err)
	}
	if err := client.Rcpt(s.cfg.To); err != nil {
		return s.errs.Wrap(ErrSendFailed, err)
	}

	w, err := client.Data()
	if err != nil {
		return s.errs.Wrap(ErrSendFailed, err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return s.errs.Wrap(ErrSendFailed, err)
	}
	if err := w.Close(); err != nil {
		return s.errs.Wrap(ErrSendFailed, err)
	}

	return client.Quit()
}

// Noop is a Sink that discards everything, used when email is disabled.
type Noop struct{}

func (Noop) Send(Event, string, string) error { return nil }
