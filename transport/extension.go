package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultExtensionURL is where the telemetry extension listens inside the execution environment.
const DefaultExtensionURL = "http://localhost:2773"

// StatusError is returned when the extension answers with a non-2xx status.
type StatusError struct {
	Channel Channel
	Code    int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("extension rejected %s payload: status %d", e.Channel, e.Code)
}

type ExtensionOption func(*ExtensionSender)

func WithHTTPClient(c *http.Client) ExtensionOption {
	return func(s *ExtensionSender) { s.client = c }
}

// WithMaxElapsedTime bounds the total time spent retrying a single payload.
func WithMaxElapsedTime(d time.Duration) ExtensionOption {
	return func(s *ExtensionSender) { s.maxElapsed = d }
}

func WithInitialInterval(d time.Duration) ExtensionOption {
	return func(s *ExtensionSender) { s.initialInterval = d }
}

// WithAttemptTimeout bounds a single request to the extension, including reading its response.
func WithAttemptTimeout(d time.Duration) ExtensionOption {
	return func(s *ExtensionSender) { s.attemptTimeout = d }
}

// ExtensionSender posts payloads to the telemetry extension over HTTP.
//
// Transient failures are retried with exponential backoff; a 4xx answer is final.
// An extension that does not answer in time counts as a transient failure.
type ExtensionSender struct {
	endpoint        string
	client          *http.Client
	initialInterval time.Duration
	maxElapsed      time.Duration
	attemptTimeout  time.Duration
}

var _ Sender = (*ExtensionSender)(nil)

func NewExtensionSender(endpoint string, opts ...ExtensionOption) *ExtensionSender {
	if endpoint == "" {
		endpoint = DefaultExtensionURL
	}
	s := &ExtensionSender{
		endpoint:        strings.TrimSuffix(endpoint, "/"),
		client:          http.DefaultClient,
		initialInterval: 50 * time.Millisecond,
		maxElapsed:      2 * time.Second,
		attemptTimeout:  time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *ExtensionSender) Send(ctx context.Context, ch Channel, payload []byte) error {
	if _, ok := consoleMarkers[ch]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	url := s.endpoint + "/" + string(ch)
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.initialInterval
	eb.MaxElapsedTime = s.maxElapsed
	return backoff.Retry(func() error { return s.post(ctx, url, ch, payload) }, backoff.WithContext(eb, ctx))
}

func (s *ExtensionSender) post(ctx context.Context, url string, ch Channel, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("content-type", "application/x-protobuf")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s payload: %w", ch, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := &StatusError{Channel: ch, Code: resp.StatusCode}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(statusErr)
	}
	return statusErr
}
