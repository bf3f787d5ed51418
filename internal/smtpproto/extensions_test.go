package smtpproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtensionsParseString(t *testing.T) {
	greeting := "mx.example.com Hello client.example.com\r\n" +
		"PIPELINING\r\n" +
		"SIZE 10485760\r\n" +
		"8BITMIME\r\n" +
		"AUTH PLAIN LOGIN CRAM-MD5"
	ext := NewExtensions()
	header := ext.ParseString(greeting)
	assert.Equal(t, "mx.example.com Hello client.example.com", header)
	assert.True(t, ext.Contains("pipelining"))
	assert.True(t, ext.Contains("PIPELINING"))
	size, ok := ext.Get("SIZE")
	require.True(t, ok)
	assert.Equal(t, "10485760", size)
	auth, ok := ext.Get("auth")
	require.True(t, ok)
	assert.Equal(t, "PLAIN LOGIN CRAM-MD5", auth)
	assert.False(t, ext.Contains("STARTTLS"))
}

func TestExtensionsBuildStringRoundTrip(t *testing.T) {
	ext := NewExtensions()
	ext.Add("PIPELINING", "")
	ext.Add("SIZE", "1000")
	built := ext.BuildString("mx.example.com Hello x")

	reparsed := NewExtensions()
	header := reparsed.ParseString(built)
	assert.Equal(t, "mx.example.com Hello x", header)
	assert.True(t, reparsed.Contains("PIPELINING"))
	v, _ := reparsed.Get("SIZE")
	assert.Equal(t, "1000", v)
}

func TestExtensionsResetAndDrop(t *testing.T) {
	ext := NewExtensions()
	ext.Add("STARTTLS", "")
	assert.True(t, ext.Drop("STARTTLS"))
	assert.False(t, ext.Drop("STARTTLS"))
	ext.Add("AUTH", "PLAIN")
	ext.Reset()
	assert.False(t, ext.Contains("AUTH"))
}
