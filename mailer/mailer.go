// Package mailer sends approval request mail over an external SMTP server.
package mailer

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/parchmint/countersign/config"
	"github.com/parchmint/countersign/logger"
	"github.com/parchmint/countersign/pkg/circuitbreaker"
	"github.com/parchmint/countersign/pkg/metrics"
)

// SendError wraps an error with information about whether it's permanent or temporary.
// Permanent errors (5xx SMTP codes) should not be retried.
// Temporary errors (4xx SMTP codes, network errors) can be retried.
type SendError struct {
	Err       error
	Permanent bool // true for 5xx errors, false for 4xx/network errors
}

func (e *SendError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsPermanentError checks if an error is a permanent failure (5xx SMTP error).
// Returns true for 5xx errors, false for 4xx errors and network/connection errors.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		// 5xx = permanent, 4xx = temporary
		return !smtpErr.Temporary()
	}

	// Network errors, connection errors, etc. are temporary
	return false
}

// Sender is the outbound mail contract the approval layer depends on.
type Sender interface {
	Send(from string, to string, messageBytes []byte) error
}

// SMTPSender delivers mail to the configured submission server with
// circuit breaker protection.
type SMTPSender struct {
	Host           string
	Username       string
	Password       string
	UseTLS         bool // Implicit TLS
	UseStartTLS    bool
	TLSVerify      bool
	CircuitBreaker *circuitbreaker.CircuitBreaker
}

// NewSMTPSender builds a sender from config with a circuit breaker sized
// for a low-volume submission workload.
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "smtp_submission",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts circuitbreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from circuitbreaker.State, to circuitbreaker.State) {
			logger.Warn("SMTP circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &SMTPSender{
		Host:           cfg.Address(),
		Username:       cfg.Username,
		Password:       cfg.Password,
		UseTLS:         cfg.TLS,
		UseStartTLS:    cfg.StartTLS,
		TLSVerify:      cfg.GetTLSVerify(),
		CircuitBreaker: cb,
	}
}

// GetCircuitBreaker returns the circuit breaker for health monitoring
func (s *SMTPSender) GetCircuitBreaker() *circuitbreaker.CircuitBreaker {
	return s.CircuitBreaker
}

// Send submits a message to the external SMTP server.
func (s *SMTPSender) Send(from string, to string, messageBytes []byte) error {
	if s.Host == "" {
		return fmt.Errorf("SMTP host not configured")
	}

	if s.CircuitBreaker != nil {
		_, err := s.CircuitBreaker.Execute(func() (any, error) {
			return nil, s.send(from, to, messageBytes)
		})
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			logger.Warn("SMTP: Circuit breaker is OPEN - skipping delivery", "host", s.Host)
			metrics.SMTPSendsTotal.WithLabelValues("circuit_breaker_open").Inc()
			return fmt.Errorf("SMTP circuit breaker is open: %w", err)
		}
		return err
	}

	return s.send(from, to, messageBytes)
}

func (s *SMTPSender) send(from string, to string, messageBytes []byte) error {
	var c *smtp.Client
	var err error

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !s.TLSVerify,
	}

	if s.UseTLS {
		c, err = smtp.DialTLS(s.Host, tlsConfig)
		if err != nil {
			metrics.SMTPSendsTotal.WithLabelValues("failure").Inc()
			return &SendError{Err: fmt.Errorf("failed to connect with TLS: %w", err), Permanent: false}
		}
	} else if s.UseStartTLS {
		c, err = smtp.DialStartTLS(s.Host, tlsConfig)
		if err != nil {
			metrics.SMTPSendsTotal.WithLabelValues("failure").Inc()
			return &SendError{Err: fmt.Errorf("failed to connect with STARTTLS: %w", err), Permanent: false}
		}
	} else {
		c, err = smtp.Dial(s.Host)
		if err != nil {
			metrics.SMTPSendsTotal.WithLabelValues("failure").Inc()
			return &SendError{Err: fmt.Errorf("failed to connect: %w", err), Permanent: false}
		}
	}
	defer c.Close()

	var sendErr error
	defer func() {
		if sendErr != nil {
			metrics.SMTPSendsTotal.WithLabelValues("failure").Inc()
		}
	}()

	if s.Username != "" {
		if sendErr = c.Auth(sasl.NewPlainClient("", s.Username, s.Password)); sendErr != nil {
			// Auth rejections are configuration errors (permanent)
			return &SendError{Err: fmt.Errorf("authentication failed: %w", sendErr), Permanent: true}
		}
	}

	if sendErr = c.Mail(from, nil); sendErr != nil {
		return &SendError{Err: fmt.Errorf("failed to set sender: %w", sendErr), Permanent: IsPermanentError(sendErr)}
	}
	if sendErr = c.Rcpt(to, nil); sendErr != nil {
		return &SendError{Err: fmt.Errorf("failed to set recipient: %w", sendErr), Permanent: IsPermanentError(sendErr)}
	}

	wc, sendErr := c.Data()
	if sendErr != nil {
		return &SendError{Err: fmt.Errorf("failed to start data: %w", sendErr), Permanent: IsPermanentError(sendErr)}
	}
	if _, sendErr = wc.Write(messageBytes); sendErr != nil {
		// Close the data writer even on write failure, to send the final dot.
		_ = wc.Close()
		return &SendError{Err: fmt.Errorf("failed to write message: %w", sendErr), Permanent: false}
	}
	if sendErr = wc.Close(); sendErr != nil {
		return &SendError{Err: fmt.Errorf("failed to close data writer: %w", sendErr), Permanent: IsPermanentError(sendErr)}
	}

	if sendErr = c.Quit(); sendErr != nil {
		// Message already accepted, the failed QUIT doesn't undo delivery.
		logger.Warn("SMTP: Failed to send QUIT", "error", sendErr)
		sendErr = nil
	}

	metrics.SMTPSendsTotal.WithLabelValues("success").Inc()
	return nil
}
