package edge

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slimta/slimta-go/internal/envelope"
	"github.com/slimta/slimta-go/internal/queue"
	"github.com/slimta/slimta-go/internal/relay"
	"github.com/slimta/slimta-go/internal/smtpproto"
)

type fakeEnqueuer struct {
	fn func(env *envelope.Envelope) ([]queue.EnqueueResult, error)
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, env *envelope.Envelope) ([]queue.EnqueueResult, error) {
	return f.fn(env)
}

func TestSMTPEdgeAcceptsAndEnqueues(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	var gotEnv *envelope.Envelope
	enq := &fakeEnqueuer{fn: func(env *envelope.Envelope) ([]queue.EnqueueResult, error) {
		gotEnv = env
		return []queue.EnqueueResult{{Envelope: env, ID: "abc123"}}, nil
	}}
	e := NewSMTPEdge(Config{Hostname: "mx.example.com"}, enq)

	done := make(chan struct{})
	go func() {
		e.handleConn(context.Background(), serverConn)
		close(done)
	}()

	cl := smtpproto.NewClient(smtpproto.NewIO(clientConn))
	_, err := cl.GetBanner()
	require.NoError(t, err)
	_, err = cl.Ehlo("client.example.com")
	require.NoError(t, err)

	_, err = cl.MailFrom("alice@example.com", -1)
	require.NoError(t, err)
	_, err = cl.RcptTo("bob@example.com")
	require.NoError(t, err)

	_, err = cl.Data()
	require.NoError(t, err)
	dataReply, err := cl.SendData([]byte("Subject: hi\r\n\r\nhello\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "250", dataReply.Code())

	quitReply, err := cl.Quit()
	require.NoError(t, err)
	assert.Equal(t, "221", quitReply.Code())

	<-done
	require.NotNil(t, gotEnv)
	assert.Equal(t, "alice@example.com", gotEnv.Sender)
	assert.Equal(t, []string{"bob@example.com"}, gotEnv.Recipients)
	assert.Equal(t, "mx.example.com", gotEnv.Receiver)
	assert.Equal(t, "ESMTP", gotEnv.Client.Protocol)
}

func TestSMTPEdgeQueueErrorReportsGenericFailure(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	enq := &fakeEnqueuer{fn: func(env *envelope.Envelope) ([]queue.EnqueueResult, error) {
		return []queue.EnqueueResult{{Envelope: env, Err: &queue.QueueError{Op: "Write", Err: assertErr{}}}}, nil
	}}
	e := NewSMTPEdge(Config{Hostname: "mx.example.com"}, enq)

	done := make(chan struct{})
	go func() {
		e.handleConn(context.Background(), serverConn)
		close(done)
	}()

	cl := smtpproto.NewClient(smtpproto.NewIO(clientConn))
	_, err := cl.GetBanner()
	require.NoError(t, err)
	_, err = cl.Ehlo("client.example.com")
	require.NoError(t, err)
	_, err = cl.MailFrom("alice@example.com", -1)
	require.NoError(t, err)
	_, err = cl.RcptTo("bob@example.com")
	require.NoError(t, err)
	_, err = cl.Data()
	require.NoError(t, err)

	dataReply, err := cl.SendData([]byte("Subject: hi\r\n\r\nhello\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "550", dataReply.Code())

	_, _ = cl.Quit()
	<-done
}

func TestSMTPEdgeProxyModeCopiesRelayReply(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	failReply := smtpproto.NewReply("552", "5.2.2 mailbox full")
	enq := &fakeEnqueuer{fn: func(env *envelope.Envelope) ([]queue.EnqueueResult, error) {
		return []queue.EnqueueResult{{Envelope: env, Err: relay.NewPermanentRelayError("full", failReply)}}, nil
	}}
	e := NewSMTPEdge(Config{Hostname: "mx.example.com", ProxyMode: true}, enq)

	done := make(chan struct{})
	go func() {
		e.handleConn(context.Background(), serverConn)
		close(done)
	}()

	cl := smtpproto.NewClient(smtpproto.NewIO(clientConn))
	_, err := cl.GetBanner()
	require.NoError(t, err)
	_, err = cl.Ehlo("client.example.com")
	require.NoError(t, err)
	_, err = cl.MailFrom("alice@example.com", -1)
	require.NoError(t, err)
	_, err = cl.RcptTo("bob@example.com")
	require.NoError(t, err)
	_, err = cl.Data()
	require.NoError(t, err)

	dataReply, err := cl.SendData([]byte("Subject: hi\r\n\r\nhello\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "552", dataReply.Code())

	_, _ = cl.Quit()
	<-done
}

// recordingMetrics implements Metrics, recording every call for assertions
// instead of writing into a Prometheus collector.
type recordingMetrics struct {
	mu          sync.Mutex
	connections int
	commands    []string
	durations   int
}

func (m *recordingMetrics) Connection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections++
}

func (m *recordingMetrics) Command(command, replyClass string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, command+":"+replyClass)
}

func (m *recordingMetrics) SessionDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

func (m *recordingMetrics) snapshot() (connections int, commands []string, durations int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections, append([]string(nil), m.commands...), m.durations
}

func TestSMTPEdgeReportsCommandAndConnectionMetrics(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	enq := &fakeEnqueuer{fn: func(env *envelope.Envelope) ([]queue.EnqueueResult, error) {
		return []queue.EnqueueResult{{Envelope: env, ID: "abc123"}}, nil
	}}
	m := &recordingMetrics{}
	e := NewSMTPEdge(Config{Hostname: "mx.example.com", Metrics: m}, enq)

	done := make(chan struct{})
	go func() {
		e.handleConn(context.Background(), serverConn)
		close(done)
	}()

	cl := smtpproto.NewClient(smtpproto.NewIO(clientConn))
	_, err := cl.GetBanner()
	require.NoError(t, err)
	_, err = cl.Ehlo("client.example.com")
	require.NoError(t, err)
	_, err = cl.MailFrom("alice@example.com", -1)
	require.NoError(t, err)
	_, err = cl.RcptTo("bob@example.com")
	require.NoError(t, err)
	_, err = cl.Data()
	require.NoError(t, err)
	_, err = cl.SendData([]byte("Subject: hi\r\n\r\nhello\r\n"))
	require.NoError(t, err)
	_, _ = cl.Quit()
	<-done

	connections, commands, durations := m.snapshot()
	assert.Equal(t, 1, connections)
	assert.Equal(t, 1, durations)
	assert.Contains(t, commands, "EHLO:2xx")
	assert.Contains(t, commands, "MAIL:2xx")
	assert.Contains(t, commands, "RCPT:2xx")
	assert.Contains(t, commands, "DATA:2xx")
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
