package smtpproto

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAndRead(t *testing.T, wire []byte, maxSize int) ([]byte, error) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	go func() {
		_, _ = clientConn.Write(wire)
	}()

	io_ := NewIO(serverConn)
	reader := NewDataReader(io_, maxSize)
	return reader.Recv()
}

func TestDataReaderUnstuffsLeadingDot(t *testing.T) {
	wire := []byte("Subject: test\r\n\r\n..Hello\r\nWorld\r\n.\r\n")
	body, err := feedAndRead(t, wire, 0)
	require.NoError(t, err)
	assert.Equal(t, "Subject: test\r\n\r\n.Hello\r\nWorld\r\n", string(body))
}

func TestDataReaderEmptyMessage(t *testing.T) {
	wire := []byte(".\r\n")
	body, err := feedAndRead(t, wire, 0)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestDataReaderMaxSizeExceeded(t *testing.T) {
	wire := []byte("aaaaaaaaaa\r\nbbbbbbbbbb\r\n.\r\n")
	body, err := feedAndRead(t, wire, 15)
	assert.ErrorIs(t, err, ErrMessageTooBig)
	assert.NotEmpty(t, body)
}

func TestDataReaderPushesBackPipelinedBytes(t *testing.T) {
	wire := []byte("Body\r\n.\r\nQUIT\r\n")
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	go func() {
		_, _ = clientConn.Write(wire)
	}()

	io_ := NewIO(serverConn)
	reader := NewDataReader(io_, 0)
	body, err := reader.Recv()
	require.NoError(t, err)
	assert.Equal(t, "Body\r\n", string(body))

	verb, _, err := io_.RecvCommand()
	require.NoError(t, err)
	assert.Equal(t, "QUIT", verb)
}
