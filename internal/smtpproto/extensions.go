package smtpproto

import (
	"regexp"
	"strings"
)

var (
	extLinePattern  = regexp.MustCompile(`\r?\n`)
	extParamPattern = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9-]*)\s*(.*)$`)
)

// Extensions is a case-insensitive map of advertised SMTP extension
// keywords to an optional parameter string, grounded on
// slimta.smtp.extensions.Extensions.
type Extensions struct {
	exts map[string]string
}

// NewExtensions returns an empty Extensions set.
func NewExtensions() *Extensions {
	return &Extensions{exts: make(map[string]string)}
}

// Reset drops all advertised extensions.
func (e *Extensions) Reset() {
	e.exts = make(map[string]string)
}

// Contains reports whether ext (case-insensitive) is advertised.
func (e *Extensions) Contains(ext string) bool {
	_, ok := e.exts[strings.ToUpper(ext)]
	return ok
}

// Get returns the parameter associated with ext, and whether it is present.
func (e *Extensions) Get(ext string) (string, bool) {
	v, ok := e.exts[strings.ToUpper(ext)]
	return v, ok
}

// Add advertises ext with an optional parameter.
func (e *Extensions) Add(ext, param string) {
	e.exts[strings.ToUpper(ext)] = param
}

// Drop removes ext, reporting whether it was present.
func (e *Extensions) Drop(ext string) bool {
	key := strings.ToUpper(ext)
	if _, ok := e.exts[key]; !ok {
		return false
	}
	delete(e.exts, key)
	return true
}

// Keys returns the advertised extension keywords in no particular order;
// EHLO parsing order does not depend on map iteration order.
func (e *Extensions) Keys() []string {
	keys := make([]string, 0, len(e.exts))
	for k := range e.exts {
		keys = append(keys, k)
	}
	return keys
}

// ParseString consumes an EHLO greeting (header line plus extension
// lines) and populates the Extensions set, returning the header line.
func (e *Extensions) ParseString(greeting string) string {
	lines := extLinePattern.Split(greeting, -1)
	if len(lines) == 0 {
		return ""
	}
	header := lines[0]
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		m := extParamPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		e.Add(m[1], strings.TrimSpace(m[2]))
	}
	return header
}

// BuildString renders header followed by one CRLF-separated line per
// advertised extension, in the wire form "KEYWORD" or "KEYWORD PARAM".
func (e *Extensions) BuildString(header string) string {
	var b strings.Builder
	b.WriteString(header)
	for _, k := range e.Keys() {
		b.WriteString("\r\n")
		b.WriteString(k)
		if p, _ := e.Get(k); p != "" {
			b.WriteString(" ")
			b.WriteString(p)
		}
	}
	return b.String()
}
