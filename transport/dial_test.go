package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newLoopbackListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go discardReads(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

func discardReads(conn net.Conn) {
	buf := make([]byte, 512)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func TestDialWithBackoffGivesUpAfterMaxAttempts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listens here now

	start := time.Now()
	_, err = DialWithBackoff(context.Background(), "tcp", addr, 3, 10*time.Millisecond)
	require.Error(t, err)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond) // 10ms + 20ms backoff
}

func TestDialWithBackoffSucceedsOnFirstTry(t *testing.T) {
	ln := newLoopbackListener(t)
	conn, err := DialWithBackoff(context.Background(), "tcp", ln.Addr().String(), 3, 10*time.Millisecond)
	require.NoError(t, err)
	conn.Close()
}
