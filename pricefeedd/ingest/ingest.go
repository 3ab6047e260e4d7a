// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ingest subscribes to a websocket feed of raw attestation payloads
// and hands every payload to a handler.  Binary messages carry the payload
// as is, text messages carry it hex encoded.
package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultInitialInterval  = 500 * time.Millisecond
	DefaultMaxInterval      = time.Minute
	DefaultMaxMessageSize   = 1 << 20
)

var errMessageType = errors.New("unsupported message type")

// Handler consumes a raw payload.  A returned error only rejects that
// payload.
type Handler func(raw []byte) error

// Config is the subscriber configuration.  Zero fields take defaults.
type Config struct {
	URL              string
	Handler          Handler
	HandshakeTimeout time.Duration
	InitialInterval  time.Duration // First reconnect delay
	MaxInterval      time.Duration // Reconnect delay cap
	MaxMessageSize   int64
}

// Subscriber maintains a websocket session and reconnects with exponential
// backoff until its context is cancelled.
type Subscriber struct {
	cfg Config

	received atomic.Uint64 // Payloads handed to the handler
	rejected atomic.Uint64 // Payloads the handler rejected
}

// New returns a subscriber.
func New(cfg Config) (*Subscriber, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid websocket url %q", cfg.URL)
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Subscriber{cfg: cfg}, nil
}

// Stats returns the number of payloads received and rejected.
func (s *Subscriber) Stats() (received, rejected uint64) {
	return s.received.Load(), s.rejected.Load()
}

// Run blocks until ctx is cancelled and returns its error.
func (s *Subscriber) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialInterval
	b.MaxInterval = s.cfg.MaxInterval
	b.MaxElapsedTime = 0 // Never give up
	b.Reset()

	for {
		n, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n != 0 {
			b.Reset()
		}
		wait := b.NextBackOff()
		log.Warnf("Session %v ended after %v payloads: %v; reconnecting "+
			"in %v", s.cfg.URL, n, err, wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// session reads payloads until the connection fails.  It returns the number
// of payloads handled.
func (s *Subscriber) session(ctx context.Context) (int, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	log.Infof("Connected to %v", s.cfg.URL)

	// Unblock the read on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	n := 0
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return n, err
		}
		raw, err := payload(mt, msg)
		if err != nil {
			log.Debugf("Ignoring message: %v", err)
			continue
		}
		n++
		s.received.Add(1)
		if err := s.cfg.Handler(raw); err != nil {
			s.rejected.Add(1)
			log.Debugf("Payload rejected: %v", err)
		}
	}
}

func payload(messageType int, msg []byte) ([]byte, error) {
	switch messageType {
	case websocket.BinaryMessage:
		return msg, nil
	case websocket.TextMessage:
		s := strings.TrimSpace(string(msg))
		s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
		return hex.DecodeString(s)
	}
	return nil, fmt.Errorf("%w: %v", errMessageType, messageType)
}
