package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// RunServer starts an embedded NATS server on a random port. The server is
// shut down when the test ends.
func RunServer(t *testing.T, jetStream bool) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
	if jetStream {
		opts.JetStream = true
		opts.StoreDir = t.TempDir()
	}

	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}
	t.Cleanup(s.Shutdown)
	return s
}

// Connect opens a client connection closed when the test ends
func Connect(t *testing.T, s *server.Server) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

// StartJetStream starts a JetStream enabled server and returns a connection and
// its JetStream context
func StartJetStream(t *testing.T) (*server.Server, *nats.Conn, nats.JetStreamContext) {
	t.Helper()

	s := RunServer(t, true)
	nc := Connect(t, s)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	return s, nc, js
}

// WaitForStream waits for a stream to be created
func WaitForStream(t *testing.T, js nats.JetStreamContext, name string, timeout time.Duration) error {
	t.Helper()

	start := time.Now()
	for time.Since(start) < timeout {
		_, err := js.StreamInfo(name)
		if err == nil {
			return nil
		}
		if err != nats.ErrStreamNotFound {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for stream %s", name)
}

// CollectMessages subscribes to a core NATS subject and returns a channel of
// received payloads
func CollectMessages(t *testing.T, nc *nats.Conn, subject string) <-chan []byte {
	t.Helper()

	out := make(chan []byte, 64)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case out <- msg.Data:
		default:
		}
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return out
}
