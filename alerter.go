package main

import (
	"context"
	"errors"
)

// ErrAlerterNotConfigured is returned when an alerter operation is attempted
// but the alerter has not been properly configured or initialized.
var ErrAlerterNotConfigured = errors.New("alerter not configured")

// ErrAlerterRateLimited is returned when the downstream service of an alerter
// refuses more messages for now.
var ErrAlerterRateLimited = errors.New("alerter rate limited")

// ErrAlerterDropped is returned when an alert message cannot be successfully
// delivered by the alerter, for example when a webhook answers with a non-2xx
// HTTP response or the chat API rejects the recipient.
var ErrAlerterDropped = errors.New("alerter message dropped")

// Alerter delivers an alert message through one notification channel
// (e-mail, chat bot, webhook).
type Alerter interface {
	// Send delivers message to recipient. What a recipient is depends on the
	// channel: an e-mail address, a chat id, or a webhook URL.
	// The context ctx bounds the delivery; a failed delivery is not retried.
	Send(ctx context.Context, recipient string, message AlertMessage) error
}
