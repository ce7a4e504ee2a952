package mail

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/telekom/hrdata-chaser/pkg/config"
	"github.com/telekom/hrdata-chaser/pkg/metrics"
)

// Outcome reports the per-recipient result of one transport call. Every
// recipient passed to Send appears exactly once, either in Accepted or as a
// key in Rejected.
type Outcome struct {
	Accepted []string
	Rejected map[string]string
}

// Sender delivers one message to a set of recipients over a fresh relay
// session. A nil error means the session was established and Outcome carries
// the per-recipient results; a non-nil error means the session itself failed
// and applies uniformly to all recipients of the call.
type Sender interface {
	Send(recipients []string, subject, body string) (*Outcome, error)
	GetHost() string
	GetPort() int
}

type sender struct {
	dialer        *gomail.Dialer
	senderAddress string
	senderName    string
	timeout       time.Duration
	log           *zap.SugaredLogger
}

// NewSender builds a Sender from the relay settings in cfg.
func NewSender(cfg config.Config, log *zap.SugaredLogger) Sender {
	log.Infow("Initializing mail sender",
		"host", cfg.Mail.Host,
		"port", cfg.Mail.Port,
		"user", cfg.Mail.User,
		"timeout", cfg.MailTimeout())

	d := gomail.NewDialer(cfg.Mail.Host, cfg.Mail.Port, cfg.Mail.User, cfg.Mail.Password)
	if cfg.Mail.InsecureSkipVerify {
		log.Warnw("InsecureSkipVerify is enabled for mail TLS connection", "host", cfg.Mail.Host)
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &sender{
		dialer:        d,
		senderAddress: cfg.Mail.SenderAddress,
		senderName:    cfg.Mail.SenderName,
		timeout:       cfg.MailTimeout(),
		log:           log.Named("mail"),
	}
}

// Send opens one session to the relay and attempts delivery to every
// recipient in turn. Blank addresses are rejected without a transport call.
func (s *sender) Send(recipients []string, subject, body string) (*Outcome, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("cannot send mail with no recipients")
	}

	out := &Outcome{Rejected: make(map[string]string)}
	to := make([]string, 0, len(recipients))
	for _, r := range recipients {
		t := strings.TrimSpace(r)
		if t == "" {
			out.Rejected[r] = "blank recipient address"
			continue
		}
		to = append(to, t)
	}
	if len(to) == 0 {
		// All recipients were blank; no session to open.
		return out, nil
	}

	sc, err := s.dial()
	if err != nil {
		metrics.MailSessionFailure.WithLabelValues(s.GetHost()).Inc()
		return nil, fmt.Errorf("establishing session to %s:%d: %w", s.GetHost(), s.GetPort(), err)
	}
	defer func() {
		if cerr := sc.Close(); cerr != nil {
			s.log.Warnw("Closing mail session", "error", cerr)
		}
	}()

	for _, rcpt := range to {
		msg := s.message(rcpt, subject, body)
		err := s.withTimeout(func() error { return gomail.Send(sc, msg) })
		if err != nil {
			s.log.Warnw("Recipient rejected by relay", "recipient", rcpt, "error", err)
			out.Rejected[rcpt] = err.Error()
			metrics.MailSendFailure.WithLabelValues(s.GetHost()).Inc()
			continue
		}
		out.Accepted = append(out.Accepted, rcpt)
		metrics.MailSendSuccess.WithLabelValues(s.GetHost()).Inc()
	}

	s.log.Infow("Mail session finished",
		"accepted", len(out.Accepted),
		"rejected", len(out.Rejected),
		"subject", subject)
	return out, nil
}

func (s *sender) message(rcpt, subject, body string) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", s.senderAddress, s.senderName)
	msg.SetHeader("To", rcpt)
	msg.SetHeader("Subject", subject)
	msg.SetHeader("Message-ID", fmt.Sprintf("<%s@hrdata-chaser>", uuid.NewString()))
	msg.SetBody("text/html", body)
	return msg
}

// dial establishes the relay session with the configured timeout. A session
// that outlives a timeout is closed by the leftover goroutine.
func (s *sender) dial() (gomail.SendCloser, error) {
	type result struct {
		sc  gomail.SendCloser
		err error
	}
	ch := make(chan result, 1)
	go func() {
		sc, err := s.dialer.Dial()
		ch <- result{sc, err}
	}()
	select {
	case r := <-ch:
		return r.sc, r.err
	case <-time.After(s.timeout):
		go func() {
			if r := <-ch; r.sc != nil {
				_ = r.sc.Close()
			}
		}()
		return nil, fmt.Errorf("session to %s:%d timed out after %s", s.GetHost(), s.GetPort(), s.timeout)
	}
}

func (s *sender) withTimeout(f func() error) error {
	ch := make(chan error, 1)
	go func() { ch <- f() }()
	select {
	case err := <-ch:
		return err
	case <-time.After(s.timeout):
		return fmt.Errorf("transmission timed out after %s", s.timeout)
	}
}

func (s *sender) GetHost() string {
	return s.dialer.Host
}

func (s *sender) GetPort() int {
	return s.dialer.Port
}
