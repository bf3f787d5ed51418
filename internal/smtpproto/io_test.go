package smtpproto

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOSendRecvReply(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverIO := NewIO(serverConn)
	clientIO := NewIO(clientConn)

	done := make(chan error, 1)
	go func() {
		r := NewReply("250", "line one\r\nline two")
		serverIO.SendReply(r)
		done <- serverIO.FlushSend()
	}()

	reply, err := clientIO.RecvReply()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, "250", reply.Code())
	assert.Contains(t, reply.Message(), "line one")
	assert.Contains(t, reply.Message(), "line two")
}

func TestIOSendRecvCommand(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverIO := NewIO(serverConn)
	clientIO := NewIO(clientConn)

	done := make(chan error, 1)
	go func() {
		clientIO.SendCommand("MAIL", "FROM:<a@example.com>")
		done <- clientIO.FlushSend()
	}()

	verb, arg, err := serverIO.RecvCommand()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, "MAIL", verb)
	assert.Equal(t, "FROM:<a@example.com>", arg)
}

func TestIOMismatchedContinuationCode(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	clientIO := NewIO(clientConn)
	serverIO := NewIO(serverConn)

	done := make(chan error, 1)
	go func() {
		serverIO.BufferedSend([]byte("250-first\r\n"))
		serverIO.BufferedSend([]byte("251 second\r\n"))
		done <- serverIO.FlushSend()
	}()

	_, err := clientIO.RecvReply()
	require.NoError(t, <-done)
	assert.ErrorIs(t, err, ErrBadReply)
}

func TestIOConnectionLostOnClose(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	clientIO := NewIO(clientConn)
	_ = serverConn.Close()

	_, err := clientIO.RecvLine()
	assert.Error(t, err)
}
