package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/slimta/slimta-go/internal/envelope"
	"github.com/slimta/slimta-go/internal/smtpproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer returns a ClientConfig.Dial function that, instead of making a
// real TCP connection, hands the worker one end of a net.Pipe and runs an
// smtpproto.Server with the given handlers on the other end.
func pipeDialer(t *testing.T, handlers smtpproto.Handlers) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		serverConn, clientConn := net.Pipe()
		srv := smtpproto.NewServer(smtpproto.NewIO(serverConn), smtpproto.ServerConfig{Hostname: "mx.example.com"}, handlers)
		go func() {
			_ = srv.Handle(context.Background())
		}()
		return clientConn, nil
	}
}

func TestStaticSmtpRelayAttemptSuccess(t *testing.T) {
	var gotData []byte
	handlers := smtpproto.Handlers{
		Data: func(reply *smtpproto.Reply, data []byte) {
			gotData = data
		},
	}
	r := NewStaticSmtpRelay("mx.example.com:25", 1, false, func() ClientConfig {
		return ClientConfig{Dial: pipeDialer(t, handlers), CommandTimeout: 2 * time.Second, DataTimeout: 2 * time.Second, IdleTimeout: 0}
	})

	env := envelope.New("alice@example.com", []string{"bob@example.com"})
	env.Headers.Set("Subject", "hi")
	env.Message = []byte("hello\r\n")

	results, err := r.Attempt(context.Background(), env, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Contains(t, string(gotData), "hello")
}

func TestStaticSmtpRelayAttemptRcptFailure(t *testing.T) {
	handlers := smtpproto.Handlers{
		RcptTo: func(reply *smtpproto.Reply, address string, params map[string]string) {
			reply.SetCode("550")
			reply.SetMessage("no such user")
		},
	}
	r := NewStaticSmtpRelay("mx.example.com:25", 1, false, func() ClientConfig {
		return ClientConfig{Dial: pipeDialer(t, handlers), CommandTimeout: 2 * time.Second, DataTimeout: 2 * time.Second}
	})

	env := envelope.New("alice@example.com", []string{"bob@example.com"})
	_, err := r.Attempt(context.Background(), env, 0)
	require.Error(t, err)
	var perm *PermanentRelayError
	assert.ErrorAs(t, err, &perm)
}

func TestStaticSmtpRelayWorkersReused(t *testing.T) {
	handlers := smtpproto.Handlers{}
	r := NewStaticSmtpRelay("mx.example.com:25", 1, false, func() ClientConfig {
		return ClientConfig{Dial: pipeDialer(t, handlers), CommandTimeout: 2 * time.Second, DataTimeout: 2 * time.Second, IdleTimeout: time.Second}
	})
	defer r.Close()

	env := envelope.New("alice@example.com", []string{"bob@example.com"})
	for i := 0; i < 3; i++ {
		results, err := r.Attempt(context.Background(), env, 0)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.NoError(t, results[0].Err)
	}
}

func TestStaticSmtpRelayInFlightTracksActiveDelivery(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	handlers := smtpproto.Handlers{
		Data: func(reply *smtpproto.Reply, data []byte) {
			close(entered)
			<-release
		},
	}
	r := NewStaticSmtpRelay("mx.example.com:25", 1, false, func() ClientConfig {
		return ClientConfig{Dial: pipeDialer(t, handlers), CommandTimeout: 2 * time.Second, DataTimeout: 2 * time.Second}
	})
	defer r.Close()

	assert.Equal(t, 0, r.InFlight())

	env := envelope.New("alice@example.com", []string{"bob@example.com"})
	done := make(chan struct{})
	go func() {
		_, _ = r.Attempt(context.Background(), env, 0)
		close(done)
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never reached the DATA handler")
	}
	assert.Equal(t, 1, r.InFlight())

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Attempt never returned")
	}
}

func TestStaticSmtpRelayAttemptReturnsOnContextCancel(t *testing.T) {
	block := make(chan struct{})
	handlers := smtpproto.Handlers{
		Data: func(reply *smtpproto.Reply, data []byte) {
			<-block
		},
	}
	r := NewStaticSmtpRelay("mx.example.com:25", 1, false, func() ClientConfig {
		return ClientConfig{Dial: pipeDialer(t, handlers), CommandTimeout: 2 * time.Second, DataTimeout: 2 * time.Second}
	})
	defer func() {
		close(block)
		r.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	env := envelope.New("alice@example.com", []string{"bob@example.com"})

	done := make(chan error, 1)
	go func() {
		_, err := r.Attempt(ctx, env, 0)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond) // let the job reach the worker before cancelling
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Attempt did not return after context cancellation")
	}
}
