// Package testutil provides embedded infrastructure for package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// JetStream starts an in-process NATS server with JetStream storage under a
// temp dir and returns a connected context. Both are torn down with the test.
func JetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()

	s, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		s.Shutdown()
		t.Fatal("embedded NATS server did not become ready")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		s.Shutdown()
		s.WaitForShutdown()
	})

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)
	return js
}

// Collect subscribes to subject and returns the payloads received, stopping
// once want messages arrived or timeout elapsed
func Collect(t *testing.T, js nats.JetStreamContext, subject string, want int, timeout time.Duration) [][]byte {
	t.Helper()

	msgs := make(chan []byte, want+16)
	sub, err := js.Subscribe(subject, func(msg *nats.Msg) {
		msgs <- msg.Data
	}, nats.DeliverAll())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var out [][]byte
	deadline := time.After(timeout)
	for len(out) < want {
		select {
		case data := <-msgs:
			out = append(out, data)
		case <-deadline:
			return out
		}
	}
	return out
}
