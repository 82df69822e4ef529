// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adiadia/account-vending/internal/logging"
)

func TestWebhookRetriesAndSigns(t *testing.T) {
	var attempts int32
	secret := "super-secret"

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		current := atomic.AddInt32(&attempts, 1)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}

		gotSig := r.Header.Get(webhookHeaderSig)
		wantSig := signPayload(secret, body)
		if gotSig != wantSig {
			t.Fatalf("expected signature %q got %q", wantSig, gotSig)
		}

		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.Subject != "Provisioning failed" || payload.Message != "alice rejected" {
			t.Fatalf("unexpected payload %+v", payload)
		}

		if current < 3 {
			return response(http.StatusInternalServerError), nil
		}
		return response(http.StatusOK), nil
	})}

	w := NewWebhook("http://webhook.local/ops", secret, client, logging.Discard())
	w.retryBase = time.Millisecond

	if err := w.Publish(context.Background(), "Provisioning failed", "alice rejected"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 webhook attempts got %d", got)
	}
}

func TestWebhookStopsAfterRetryLimit(t *testing.T) {
	var attempts int32

	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		if r.Header.Get(webhookHeaderSig) != "" {
			t.Fatalf("expected no signature without secret")
		}
		return response(http.StatusBadGateway), nil
	})}

	w := NewWebhook("http://webhook.local/ops", "", client, logging.Discard())
	w.retryBase = time.Millisecond

	if err := w.Publish(context.Background(), "s", "m"); err == nil {
		t.Fatal("expected error after retries")
	}
	if got := atomic.LoadInt32(&attempts); got != webhookRetryAttempts {
		t.Fatalf("expected %d attempts got %d", webhookRetryAttempts, got)
	}
}

type recordingPublisher struct {
	calls int
	err   error
}

func (p *recordingPublisher) Publish(context.Context, string, string) error {
	p.calls++
	return p.err
}

func TestMultiPublishesToEveryChannel(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("down")}
	healthy := &recordingPublisher{}

	err := Multi{failing, healthy}.Publish(context.Background(), "s", "m")
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if failing.calls != 1 || healthy.calls != 1 {
		t.Fatalf("expected both channels called, got %d and %d", failing.calls, healthy.calls)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func response(status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(http.StatusText(status))),
		Header:     make(http.Header),
	}
}
