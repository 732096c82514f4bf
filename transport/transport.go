// Package transport delivers encoded payloads to the telemetry backend.
package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Channel names the stream a payload belongs to.
type Channel string

const (
	ChannelTrace           Channel = "trace"
	ChannelRequestResponse Channel = "request-response"
)

var ErrUnknownChannel = errors.New("unknown channel")

// Sender delivers one encoded payload.
type Sender interface {
	Send(ctx context.Context, ch Channel, payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ch Channel, payload []byte) error

func (f SenderFunc) Send(ctx context.Context, ch Channel, payload []byte) error {
	return f(ctx, ch, payload)
}

const consolePrefix = "SERVERLESS_TELEMETRY."

var consoleMarkers = map[Channel]string{
	ChannelTrace:           "T",
	ChannelRequestResponse: "R",
}

// ConsoleSender writes payloads as log lines picked up by the log ingestion pipeline.
type ConsoleSender struct {
	mu sync.Mutex
	w  io.Writer
}

var _ Sender = (*ConsoleSender)(nil)

func NewConsoleSender(w io.Writer) *ConsoleSender {
	return &ConsoleSender{w: w}
}

func (s *ConsoleSender) Send(_ context.Context, ch Channel, payload []byte) error {
	marker, ok := consoleMarkers[ch]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	line := consolePrefix + marker + "." + base64.StdEncoding.EncodeToString(payload) + "\n"
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, line); err != nil {
		return fmt.Errorf("write %s payload: %w", ch, err)
	}
	return nil
}

// Router sends each channel through its own sender.
type Router struct {
	Trace           Sender
	RequestResponse Sender
}

var _ Sender = Router{}

func (r Router) Send(ctx context.Context, ch Channel, payload []byte) error {
	var s Sender
	switch ch {
	case ChannelTrace:
		s = r.Trace
	case ChannelRequestResponse:
		s = r.RequestResponse
	}
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	return s.Send(ctx, ch, payload)
}
