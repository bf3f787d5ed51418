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

func lmtpPipeDialer(handlers smtpproto.Handlers) func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		serverConn, clientConn := net.Pipe()
		srv := smtpproto.NewLMTPServer(smtpproto.NewIO(serverConn), smtpproto.ServerConfig{Hostname: "lmtp.example.com"}, handlers)
		go func() { _ = srv.Handle(context.Background()) }()
		return clientConn, nil
	}
}

func TestStaticSmtpRelayLMTPPerRecipientResults(t *testing.T) {
	handlers := smtpproto.Handlers{
		LMTPData: func(data []byte, recipients []string) []*smtpproto.Reply {
			replies := make([]*smtpproto.Reply, len(recipients))
			for i, rcpt := range recipients {
				if rcpt == "bad@example.com" {
					replies[i] = smtpproto.NewReply("550", "5.1.1 no such mailbox")
				} else {
					replies[i] = smtpproto.NewReply("250", "2.0.0 delivered")
				}
			}
			return replies
		},
	}
	r := NewStaticSmtpRelay("lmtp.example.com:24", 1, true, func() ClientConfig {
		return ClientConfig{Dial: lmtpPipeDialer(handlers), CommandTimeout: 2 * time.Second, DataTimeout: 2 * time.Second}
	})

	env := envelope.New("alice@example.com", []string{"good@example.com", "bad@example.com"})
	env.Message = []byte("hi\r\n")

	results, err := r.Attempt(context.Background(), env, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	var perm *PermanentRelayError
	assert.ErrorAs(t, results[1].Err, &perm)
}
