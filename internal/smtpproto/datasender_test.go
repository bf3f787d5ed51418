package smtpproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDataSenderStuffsLeadingDot(t *testing.T) {
	data := []byte("Subject: test\r\n\r\n.Hello\r\nWorld\r\n")
	s := NewDataSender(data)
	encoded := s.Encode()
	assert.Equal(t, "Subject: test\r\n\r\n..Hello\r\nWorld\r\n.\r\n", string(encoded))
}

func TestDataSenderNoTrailingNewlineAddsCRLF(t *testing.T) {
	data := []byte("no trailing newline")
	s := NewDataSender(data)
	encoded := s.Encode()
	assert.Equal(t, "no trailing newline\r\n.\r\n", string(encoded))
}

func TestDataSenderEmptyMessage(t *testing.T) {
	s := NewDataSender(nil)
	encoded := s.Encode()
	assert.Equal(t, ".\r\n", string(encoded))
}
