package smtpproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplySetCode(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr bool
	}{
		{"valid 250", "250", false},
		{"valid 550", "550", false},
		{"empty clears", "", false},
		{"too short", "50", true},
		{"bad leading digit", "650", true},
		{"non-numeric", "25x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Reply{}
			err := r.SetCode(tt.code)
			if tt.wantErr {
				assert.Error(t, err)
				var ice *ErrInvalidCode
				assert.ErrorAs(t, err, &ice)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.code, r.Code())
			}
		})
	}
}

func TestReplyESCDefault(t *testing.T) {
	r := NewReply("550", "Mailbox not found")
	assert.Equal(t, "5.0.0", r.ESC())
	assert.Equal(t, "5.0.0 Mailbox not found", r.Message())
}

func TestReplyESCExplicit(t *testing.T) {
	r := NewReply("550", "Mailbox not found")
	require.NoError(t, r.SetESC("5.1.1"))
	assert.Equal(t, "5.1.1", r.ESC())
	assert.Equal(t, "5.1.1 Mailbox not found", r.Message())
}

func TestReplyESCStrippedFromMessage(t *testing.T) {
	r := NewReply("250", "2.1.0 Sender OK")
	assert.Equal(t, "2.1.0", r.ESC())
	assert.Equal(t, "Sender OK", r.RawMessage())
}

func TestReplyClearESC(t *testing.T) {
	r := NewReply("250", "2.1.0 Sender OK")
	r.ClearESC()
	assert.Equal(t, "2.0.0", r.ESC())
}

func TestReplyInvalidESC(t *testing.T) {
	r := &Reply{}
	err := r.SetESC("9.9.9")
	assert.Error(t, err)
	var iesc *ErrInvalidESC
	assert.ErrorAs(t, err, &iesc)
}

func TestReplyIsError(t *testing.T) {
	assert.True(t, NewReply("450", "x").IsError())
	assert.True(t, NewReply("550", "x").IsError())
	assert.False(t, NewReply("250", "x").IsError())
	assert.False(t, NewReply("354", "x").IsError())
}

func TestReplyLines(t *testing.T) {
	r := NewReply("250", "line one\r\nline two")
	lines := r.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "250-2.0.0 line one", lines[0])
	assert.Equal(t, "250 line two", lines[1])
}

func TestReplyCloneIndependent(t *testing.T) {
	r := NewReply("250", "OK")
	c := r.Clone()
	require.NoError(t, c.SetCode("550"))
	assert.Equal(t, "250", r.Code())
	assert.Equal(t, "550", c.Code())
}

func TestReplyEqual(t *testing.T) {
	a := NewReply("250", "OK")
	b := NewReply("250", "OK")
	assert.True(t, a.Equal(b))
	c := NewReply("250", "Different")
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}
