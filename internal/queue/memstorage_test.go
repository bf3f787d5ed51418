package queue

import (
	"testing"
	"time"

	"github.com/slimta/slimta-go/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStorageWriteGetRemove(t *testing.T) {
	s := NewMemStorage()
	env := envelope.New("alice@example.com", []string{"bob@example.com", "carol@example.com"})
	env.Message = []byte("hi\r\n")

	id, err := s.Write(env, time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msg, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, msg.Envelope.Recipients)
	assert.Equal(t, 0, msg.Attempts)

	require.NoError(t, s.Remove(id))
	_, err = s.Get(id)
	assert.Error(t, err)
}

func TestMemStorageResolveNarrowsRecipients(t *testing.T) {
	s := NewMemStorage()
	env := envelope.New("alice@example.com", []string{"bob@example.com", "carol@example.com"})
	id, err := s.Write(env, time.Now())
	require.NoError(t, err)

	msg, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, msg.Indices)

	require.NoError(t, s.Resolve(id, []int{0}))
	msg, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol@example.com"}, msg.Envelope.Recipients)
	assert.Equal(t, []int{1}, msg.Indices)
}

// TestMemStorageResolveKeepsDuplicateAddressDistinct verifies that
// resolving one occurrence of a repeated recipient address does not drop
// the other occurrence still pending, a case address-based resolution
// could not represent.
func TestMemStorageResolveKeepsDuplicateAddressDistinct(t *testing.T) {
	s := NewMemStorage()
	env := envelope.New("alice@example.com", []string{"bob@example.com", "carol@example.com", "bob@example.com"})
	id, err := s.Write(env, time.Now())
	require.NoError(t, err)

	require.NoError(t, s.Resolve(id, []int{0}))
	msg, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol@example.com", "bob@example.com"}, msg.Envelope.Recipients)
	assert.Equal(t, []int{1, 2}, msg.Indices)
}

func TestMemStorageIncrementAttempts(t *testing.T) {
	s := NewMemStorage()
	env := envelope.New("alice@example.com", []string{"bob@example.com"})
	id, err := s.Write(env, time.Now())
	require.NoError(t, err)

	n, err := s.IncrementAttempts(id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementAttempts(id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemStorageLoad(t *testing.T) {
	s := NewMemStorage()
	env := envelope.New("alice@example.com", []string{"bob@example.com"})
	due := time.Now().Add(time.Hour)
	id, err := s.Write(env, due)
	require.NoError(t, err)

	entries, err := s.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.WithinDuration(t, due, entries[0].Due, time.Second)
}
