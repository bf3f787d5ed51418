package queue

import (
	"testing"
	"time"

	"github.com/slimta/slimta-go/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStorageWriteGetRemove(t *testing.T) {
	s := NewDiskStorage(t.TempDir())
	env := envelope.New("alice@example.com", []string{"bob@example.com"})
	env.Headers.Set("Subject", "hi")
	env.Message = []byte("body\r\n")

	id, err := s.Write(env, time.Now())
	require.NoError(t, err)

	msg, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@example.com"}, msg.Envelope.Recipients)
	assert.Contains(t, string(msg.Envelope.Message), "body")
	assert.Equal(t, "hi", msg.Envelope.Headers.Get("Subject"))

	require.NoError(t, s.Remove(id))
	_, err = s.Get(id)
	assert.Error(t, err)
}

func TestDiskStorageResolveAndAttempts(t *testing.T) {
	s := NewDiskStorage(t.TempDir())
	env := envelope.New("alice@example.com", []string{"bob@example.com", "carol@example.com"})
	id, err := s.Write(env, time.Now())
	require.NoError(t, err)

	n, err := s.IncrementAttempts(id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.Resolve(id, []int{0}))
	msg, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol@example.com"}, msg.Envelope.Recipients)
	assert.Equal(t, []int{1}, msg.Indices)
	assert.Equal(t, 1, msg.Attempts)
}

func TestDiskStorageLoad(t *testing.T) {
	s := NewDiskStorage(t.TempDir())
	env := envelope.New("alice@example.com", []string{"bob@example.com"})
	due := time.Now().Add(time.Hour).Truncate(time.Second)
	id, err := s.Write(env, due)
	require.NoError(t, err)

	entries, err := s.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.WithinDuration(t, due, entries[0].Due, time.Second)
}
