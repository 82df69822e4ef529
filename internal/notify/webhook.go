// SPDX-License-Identifier: Apache-2.0

// Package notify delivers operator and spend notifications over channels
// other than SNS and fans a message out to several channels.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
	webhookTimeout       = 10 * time.Second
)

type webhookPayload struct {
	Subject string    `json:"subject"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// Webhook posts notifications as signed JSON to an HTTP endpoint.
type Webhook struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
	retryBase  time.Duration
}

func NewWebhook(url, secret string, httpClient *http.Client, logger *slog.Logger) *Webhook {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: webhookTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Webhook{
		url:        strings.TrimSpace(url),
		secret:     secret,
		httpClient: httpClient,
		logger:     logger,
		retryBase:  webhookRetryBase,
	}
}

// Publish delivers one notification, retrying non-2xx responses and
// transport errors with exponential backoff.
func (w *Webhook) Publish(ctx context.Context, subject, message string) error {
	if w.url == "" {
		return errors.New("webhook url is not configured")
	}

	body, err := json.Marshal(webhookPayload{
		Subject: subject,
		Message: message,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	signature := signPayload(w.secret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := w.httpClient.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("webhook failure",
				"subject", subject,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				w.logger.Info("webhook success",
					"subject", subject,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				return nil
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			w.logger.Warn("webhook failure",
				"subject", subject,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := w.retryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("webhook canceled before retry: %w", ctx.Err())
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("webhook retries exhausted: %w", lastErr)
}

func signPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
