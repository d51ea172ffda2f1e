package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type WebhookAlerter struct {
	httpClient    *http.Client
	hmacSecret    string
	customHeaders map[string]string
}

func NewWebhookAlerter(httpClient *http.Client, hmacSecret string, customHeaders map[string]string) *WebhookAlerter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookAlerter{
		httpClient:    httpClient,
		hmacSecret:    hmacSecret,
		customHeaders: customHeaders,
	}
}

type webhookMonitor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

type webhookRequestPayload struct {
	Event      AlertKind      `json:"event"`
	Status     CheckStatus    `json:"status"`
	Monitor    webhookMonitor `json:"monitor"`
	IncidentID *string        `json:"incident_id"`
	Error      *string        `json:"error"`
	Timestamp  time.Time      `json:"timestamp"`
}

func newWebhookRequestPayload(message AlertMessage) webhookRequestPayload {
	return webhookRequestPayload{
		Event:  message.Kind,
		Status: message.Status,
		Monitor: webhookMonitor{
			ID:   message.MonitorID,
			Name: message.MonitorName,
			URL:  message.URL,
		},
		IncidentID: message.IncidentID.Ptr(),
		Error:      message.Error.Ptr(),
		Timestamp:  message.OccurredAt.UTC(),
	}
}

func (w *WebhookAlerter) sign(body []byte) string {
	if w.hmacSecret == "" {
		return ""
	}
	signer := hmac.New(sha256.New, []byte(w.hmacSecret))
	signer.Write(body)
	return fmt.Sprintf("%x", signer.Sum(nil))
}

func (w *WebhookAlerter) Send(ctx context.Context, recipient string, message AlertMessage) error {
	if recipient == "" {
		return fmt.Errorf("%w: empty webhook url", ErrAlerterNotConfigured)
	}

	requestBody, err := json.Marshal(newWebhookRequestPayload(message))
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, recipient, bytes.NewReader(requestBody))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", "uptimeguard-webhook/1.0")
	for key, value := range w.customHeaders {
		request.Header.Set(key, value)
	}
	if signature := w.sign(requestBody); signature != "" {
		request.Header.Set("X-Signature", signature)
	}

	response, err := w.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		if response.Body != nil {
			_, _ = io.Copy(io.Discard, response.Body)
			_ = response.Body.Close()
		}
	}()
	if response.StatusCode == http.StatusTooManyRequests {
		return ErrAlerterRateLimited
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("%w: received non-2xx response code %d", ErrAlerterDropped, response.StatusCode)
	}

	return nil
}
