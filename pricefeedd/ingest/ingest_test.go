// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func TestPayload(t *testing.T) {
	raw, err := payload(websocket.BinaryMessage, []byte{1, 2})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, raw)

	raw, err = payload(websocket.TextMessage, []byte(" 0x0102\n"))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, raw)

	_, err = payload(websocket.TextMessage, []byte("zz"))
	require.Error(t, err)

	_, err = payload(websocket.PingMessage, nil)
	require.ErrorIs(t, err, errMessageType)
}

func TestRunReconnects(t *testing.T) {
	var sessions int32
	s := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()

			// Every session sends one good payload of each kind, one
			// bad one and hangs up.
			n := byte(atomic.AddInt32(&sessions, 1))
			conn.WriteMessage(websocket.BinaryMessage, []byte{n, 0xbb})
			conn.WriteMessage(websocket.TextMessage, []byte("zz"))
			conn.WriteMessage(websocket.TextMessage, []byte{'0', 'a' + n})
		}))
	defer s.Close()

	var (
		mtx sync.Mutex
		got [][]byte
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := New(Config{
		URL: "ws" + strings.TrimPrefix(s.URL, "http"),
		Handler: func(raw []byte) error {
			mtx.Lock()
			defer mtx.Unlock()
			got = append(got, raw)
			if len(got) == 4 {
				cancel()
			}
			if len(raw) == 1 {
				return errors.New("rejected")
			}
			return nil
		},
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
	})
	require.NoError(t, err)

	errC := make(chan error, 1)
	go func() { errC <- sub.Run(ctx) }()
	select {
	case err := <-errC:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatalf("subscriber did not stop")
	}

	mtx.Lock()
	defer mtx.Unlock()
	require.Len(t, got, 4)
	require.Equal(t, []byte{1, 0xbb}, got[0])
	require.Equal(t, []byte{0x0b}, got[1])
	require.Equal(t, []byte{2, 0xbb}, got[2])
	require.Equal(t, []byte{0x0c}, got[3])
	require.GreaterOrEqual(t, atomic.LoadInt32(&sessions), int32(2))

	received, rejected := sub.Stats()
	require.Equal(t, uint64(4), received)
	require.Equal(t, uint64(2), rejected)
}

func TestRunCancelledWhileDialing(t *testing.T) {
	sub, err := New(Config{
		URL:             "ws://127.0.0.1:1",
		Handler:         func([]byte) error { return nil },
		InitialInterval: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(),
		100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, sub.Run(ctx), context.DeadlineExceeded)
}

func TestNewInvalid(t *testing.T) {
	_, err := New(Config{URL: "http://x", Handler: func([]byte) error {
		return nil
	}})
	require.Error(t, err)
	_, err = New(Config{URL: "ws://x"})
	require.Error(t, err)
}
