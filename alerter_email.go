package main

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

const defaultEmailFrom = "UptimeGuard <noreply@uptimeguard.com>"

type EmailAlerterOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// EmailAlerter sends alerts over SMTP. Every send dials a fresh connection.
type EmailAlerter struct {
	options EmailAlerterOptions
}

func NewEmailAlerter(options EmailAlerterOptions) (*EmailAlerter, error) {
	if options.Host == "" {
		return nil, fmt.Errorf("%w: smtp host is required", ErrAlerterNotConfigured)
	}
	if options.Port == 0 {
		options.Port = 587
	}
	if options.From == "" {
		options.From = defaultEmailFrom
	}
	if options.Timeout <= 0 {
		options.Timeout = 10 * time.Second
	}
	return &EmailAlerter{options: options}, nil
}

func (e *EmailAlerter) client() (*mail.Client, error) {
	clientOptions := []mail.Option{
		mail.WithPort(e.options.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(e.options.Timeout),
	}
	if e.options.Username != "" {
		clientOptions = append(clientOptions,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.options.Username),
			mail.WithPassword(e.options.Password),
		)
	}
	return mail.NewClient(e.options.Host, clientOptions...)
}

func (e *EmailAlerter) message(recipient string, alert AlertMessage) (*mail.Msg, error) {
	message := mail.NewMsg()
	if err := message.From(e.options.From); err != nil {
		return nil, fmt.Errorf("setting sender: %w", err)
	}
	if err := message.To(recipient); err != nil {
		return nil, fmt.Errorf("setting recipient: %w", err)
	}
	message.Subject(alert.Subject())
	message.SetBodyString(mail.TypeTextPlain, alert.Text())
	message.AddAlternativeString(mail.TypeTextHTML, alert.HTML())
	return message, nil
}

func (e *EmailAlerter) Send(ctx context.Context, recipient string, alert AlertMessage) error {
	message, err := e.message(recipient, alert)
	if err != nil {
		return err
	}

	client, err := e.client()
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, message); err != nil {
		return fmt.Errorf("sending e-mail: %w", err)
	}
	return nil
}
