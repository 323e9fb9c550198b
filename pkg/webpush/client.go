package webpush

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrEndpointGone marks a subscription the push service reports as
// permanently invalid (404/410). Callers should drop the subscription
// and never retry it.
var ErrEndpointGone = errors.New("push endpoint gone")

// Subscription carries the delivery coordinates of one browser registration.
type Subscription struct {
	Endpoint  string
	P256dhKey string
	AuthKey   string
}

// Sender delivers encrypted payloads to push service endpoints.
type Sender struct {
	vapid      *VAPIDKeys
	httpClient *http.Client
	ttlSeconds int
}

func NewSender(vapid *VAPIDKeys, timeout time.Duration, ttlSeconds int) *Sender {
	if ttlSeconds <= 0 {
		ttlSeconds = 60
	}
	return &Sender{
		vapid: vapid,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		ttlSeconds: ttlSeconds,
	}
}

// Send encrypts payload for one subscription and posts it to the endpoint.
// Returns ErrEndpointGone (wrapped) when the push service reports the
// subscription as expired or invalid.
func (s *Sender) Send(ctx context.Context, sub Subscription, payload []byte) error {
	body, err := EncryptPayload(payload, sub.P256dhKey, sub.AuthKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create push request: %w", err)
	}

	auth, err := s.vapid.AuthorizationHeader(sub.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to build vapid header: %w", err)
	}

	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", fmt.Sprintf("%d", s.ttlSeconds))
	req.Header.Set("Urgency", "normal")
	req.Header.Set("Authorization", auth)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call push service: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: endpoint %s returned %d", ErrEndpointGone, sub.Endpoint, resp.StatusCode)
	default:
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
}
