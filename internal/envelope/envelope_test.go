package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeParseAndFlatten(t *testing.T) {
	raw := []byte("From: alice@example.com\r\nTo: bob@example.com\r\nSubject: hi\r\n\r\nhello world\r\n")
	e := New("alice@example.com", []string{"bob@example.com"})
	require.NoError(t, e.Parse(raw))

	assert.Equal(t, "alice@example.com", e.Headers.Get("From"))
	assert.Equal(t, "hello world\r\n", string(e.Message))

	header, body := e.Flatten()
	assert.Contains(t, string(header), "From: alice@example.com\r\n")
	assert.Contains(t, string(header), "Subject: hi\r\n")
	assert.Equal(t, "hello world\r\n", string(body))
}

func TestEnvelopeParseNoBody(t *testing.T) {
	raw := []byte("From: a@example.com\r\n")
	e := New("a@example.com", nil)
	require.NoError(t, e.Parse(raw))
	assert.Equal(t, "a@example.com", e.Headers.Get("From"))
	assert.Empty(t, e.Message)
}

func TestEnvelopeSplitIndependentHeaders(t *testing.T) {
	e := New("alice@example.com", []string{"bob@example.com", "carol@example.com"})
	e.Headers.Set("Subject", "hi")
	e.Message = []byte("body")

	parts := e.Split()
	require.Len(t, parts, 2)
	assert.Equal(t, []string{"bob@example.com"}, parts[0].Recipients)
	assert.Equal(t, []string{"carol@example.com"}, parts[1].Recipients)

	parts[0].Headers.Set("Subject", "modified")
	assert.Equal(t, "hi", e.Headers.Get("Subject"))
	assert.Equal(t, "hi", parts[1].Headers.Get("Subject"))
}

func TestEnvelopeCopySharesBodyAndSender(t *testing.T) {
	e := New("alice@example.com", []string{"bob@example.com", "carol@example.com"})
	e.Message = []byte("shared body")

	cp := e.Copy([]string{"bob@example.com"})
	assert.Equal(t, e.Sender, cp.Sender)
	assert.Equal(t, e.Message, cp.Message)
	assert.Equal(t, []string{"bob@example.com"}, cp.Recipients)
}
