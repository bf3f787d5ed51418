// Package envelope implements the message-plus-metadata container that
// flows through the queue and relay layers: sender, recipients, headers,
// body, and the client metadata recorded when the message was received.
// Grounded on original_source/slimta/envelope.py.
package envelope

import (
	"bufio"
	"bytes"
	"net/textproto"
	"regexp"
	"strings"
	"time"
)

var headerBoundary = regexp.MustCompile(`\r?\n\r?\n`)

// ClientInfo records what the receiving edge observed about the sending
// client, mirroring slimta.envelope.Envelope's "client" dict.
type ClientInfo struct {
	IP       string
	Host     string
	Name     string
	Protocol string
	Auth     string
}

// Envelope holds one message in flight: its sender, recipients, parsed
// headers, and unparsed body, plus receipt metadata. Grounded on
// slimta.envelope.Envelope.
type Envelope struct {
	Sender     string
	Recipients []string
	Headers    textproto.MIMEHeader
	headerKeys []string // preserves original header order for Flatten
	Message    []byte

	Client    ClientInfo
	Receiver  string
	Timestamp time.Time
}

// New returns an Envelope with no headers or body set.
func New(sender string, recipients []string) *Envelope {
	return &Envelope{
		Sender:     sender,
		Recipients: append([]string(nil), recipients...),
		Headers:    textproto.MIMEHeader{},
	}
}

// Copy returns a new Envelope sharing this one's sender, body, and client
// metadata but scoped to recipients, with its own deep copy of Headers.
// Grounded on the `envelope.copy([rcpt])` calls in
// slimta.policy.split.{RecipientSplit,RecipientDomainSplit}, which assume
// such a method without slimta's envelope.py ever defining one explicitly.
func (e *Envelope) Copy(recipients []string) *Envelope {
	cp := *e
	cp.Recipients = append([]string(nil), recipients...)
	cp.Headers = cloneHeader(e.Headers)
	cp.headerKeys = append([]string(nil), e.headerKeys...)
	return &cp
}

// Split breaks the envelope into one copy per recipient, each with its own
// header copy. Grounded on slimta.envelope.Envelope.split.
func (e *Envelope) Split() []*Envelope {
	out := make([]*Envelope, len(e.Recipients))
	for i, rcpt := range e.Recipients {
		out[i] = e.Copy([]string{rcpt})
	}
	return out
}

func cloneHeader(h textproto.MIMEHeader) textproto.MIMEHeader {
	cp := make(textproto.MIMEHeader, len(h))
	for k, v := range h {
		cp[k] = append([]string(nil), v...)
	}
	return cp
}

// Parse splits data into headers and body at the first blank line and
// populates Headers/Message. Grounded on slimta.envelope.Envelope.parse.
func (e *Envelope) Parse(data []byte) error {
	loc := headerBoundary.FindIndex(data)
	var headerData, body []byte
	if loc == nil {
		headerData = data
		body = nil
	} else {
		headerData = data[:loc[1]]
		body = data[loc[1]:]
	}
	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(headerData)))
	headers, err := reader.ReadMIMEHeader()
	if err != nil && len(headers) == 0 {
		return err
	}
	e.Headers = headers
	e.headerKeys = headerKeyOrder(headerData)
	e.Message = body
	return nil
}

// headerKeyOrder scans raw header bytes for the order in which header
// field names first appear, skipping folded continuation lines (those
// beginning with whitespace), so Flatten can reproduce it instead of
// relying on Go's unordered map iteration.
func headerKeyOrder(headerData []byte) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, line := range bytes.Split(headerData, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		if sep := bytes.IndexByte(line, ':'); sep > 0 {
			key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(string(line[:sep])))
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// Flatten renders the envelope's headers and returns (headerData,
// messageData) as separate byte slices, matching
// slimta.envelope.Envelope.flatten's two-piece contract (headers are
// regenerated from the parsed representation; the body passes through
// unmodified).
func (e *Envelope) Flatten() (headerData, messageData []byte) {
	var buf bytes.Buffer
	order := e.headerKeys
	if len(order) == 0 {
		for k := range e.Headers {
			order = append(order, k)
		}
	}
	written := make(map[string]bool, len(order))
	for _, k := range order {
		if written[k] {
			continue
		}
		written[k] = true
		for _, v := range e.Headers.Values(k) {
			buf.WriteString(k)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), e.Message
}

// Encode is a convenience wrapper returning the full wire representation
// (headers followed by body) as a single byte slice.
func (e *Envelope) Encode() []byte {
	header, body := e.Flatten()
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	out = append(out, body...)
	return out
}
