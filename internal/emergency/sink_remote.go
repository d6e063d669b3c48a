package emergency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/calmline/calmline/internal/metrics"
	"github.com/calmline/calmline/internal/redact"
)

// Retry schedule for CRITICAL remote deliveries: 1s, 2s, 4s.
const (
	MaxRetries       = 3
	RetryBaseDelay   = time.Second
	retryMultiplier  = 2
	defaultPostLimit = 2 * time.Second
)

// RemoteSink POSTs entries to the collection endpoint.
type RemoteSink struct {
	url    string
	host   string
	client *http.Client

	// newTimer is swapped in tests to observe the retry schedule.
	newTimer func() backoff.Timer
}

func NewRemoteSink(endpoint string, timeout time.Duration) (*RemoteSink, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("remote url is empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("remote url %q must be an absolute http(s) url", endpoint)
	}
	if timeout <= 0 {
		timeout = defaultPostLimit
	}
	return &RemoteSink{
		url:    endpoint,
		host:   u.Host,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Name is used in stats and log lines, so it carries only the host.
func (s *RemoteSink) Name() string { return "remote:" + s.host }

// Deliver makes one attempt for non-critical entries. CRITICAL entries are
// retried up to MaxRetries times with doubling delays.
func (s *RemoteSink) Deliver(ctx context.Context, e *Entry) error {
	if e == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	var retries uint64
	if e.critical() {
		retries = MaxRetries
	}
	b := backoff.WithContext(backoff.WithMaxRetries(retrySchedule(), retries), ctx)

	op := func() error {
		return s.post(ctx, payload)
	}
	notify := func(err error, next time.Duration) {
		metrics.RemoteRetries.Inc()
		redact.Logf("emergency: remote delivery of %s failed, retrying in %s: %v", e.Kind, next, err)
	}

	var timer backoff.Timer
	if s.newTimer != nil {
		timer = s.newTimer()
	}
	return backoff.RetryNotifyWithTimer(op, b, notify, timer)
}

func (s *RemoteSink) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Emergency-Log", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("status %d body=%q", resp.StatusCode, truncateBody(body))
}

func (s *RemoteSink) Close(context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

func retrySchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryBaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = retryMultiplier
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func truncateBody(b []byte) string {
	const limit = 200
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
