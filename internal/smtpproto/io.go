package smtpproto

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrConnectionLost indicates the peer closed or reset the connection
// mid-operation.
var ErrConnectionLost = errors.New("smtpproto: connection lost")

// ErrBadReply indicates a malformed SMTP reply: mismatched codes across
// continuation lines, an unparseable line, or non-UTF-8 message bytes.
var ErrBadReply = errors.New("smtpproto: bad reply")

var replyLinePattern = regexp.MustCompile(`^(\d\d\d)([ \t-])(.*)$`)

// commandPattern splits a command line into verb and optional argument.
var commandPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*)(?:\s+(.*))?$`)

// IO owns a stream socket and line-buffers bytes in both directions, with
// in-place TLS upgrade. Grounded on slimta.smtp.io.IO.
type IO struct {
	conn      net.Conn
	sendBuf   bytes.Buffer
	recvBuf   []byte
	encrypted bool
}

// NewIO wraps conn in an IO.
func NewIO(conn net.Conn) *IO {
	return &IO{conn: conn}
}

// Conn returns the underlying connection.
func (io_ *IO) Conn() net.Conn { return io_.conn }

// Encrypted reports whether the connection has completed a TLS upgrade.
func (io_ *IO) Encrypted() bool { return io_.encrypted }

// BufferedSend appends data to the outbound buffer without performing I/O.
func (io_ *IO) BufferedSend(data []byte) {
	io_.sendBuf.Write(data)
}

// FlushSend writes the accumulated send buffer in one Write call. An empty
// buffer is a no-op.
func (io_ *IO) FlushSend() error {
	if io_.sendBuf.Len() == 0 {
		return nil
	}
	b := io_.sendBuf.Bytes()
	_, err := io_.conn.Write(b)
	io_.sendBuf.Reset()
	if err != nil {
		if isResetOrClosed(err) {
			return ErrConnectionLost
		}
		return err
	}
	return nil
}

// rawRecv reads up to len(buf) bytes, translating peer-reset/EOF into
// ErrConnectionLost.
func (io_ *IO) rawRecv(buf []byte) (int, error) {
	n, err := io_.conn.Read(buf)
	if n == 0 && err != nil {
		if errors.Is(err, io.EOF) || isResetOrClosed(err) {
			return 0, ErrConnectionLost
		}
		return 0, err
	}
	return n, nil
}

func isResetOrClosed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "reset by peer") ||
		strings.Contains(msg, "broken pipe") ||
		errors.Is(err, net.ErrClosed)
}

// fillRecvBuf reads one chunk from the connection into recvBuf.
func (io_ *IO) fillRecvBuf() error {
	buf := make([]byte, 4096)
	n, err := io_.rawRecv(buf)
	if err != nil {
		return err
	}
	io_.recvBuf = append(io_.recvBuf, buf[:n]...)
	return nil
}

// RecvLine reads one CRLF- (or bare LF-) terminated line, retaining any
// residual bytes in the internal buffer for the next call.
func (io_ *IO) RecvLine() (string, error) {
	for {
		if idx := bytes.IndexByte(io_.recvBuf, '\n'); idx >= 0 {
			line := io_.recvBuf[:idx]
			io_.recvBuf = io_.recvBuf[idx+1:]
			line = bytes.TrimSuffix(line, []byte("\r"))
			return string(line), nil
		}
		if err := io_.fillRecvBuf(); err != nil {
			return "", err
		}
	}
}

// PushBack returns residual bytes (e.g. after a DATA terminator) to the
// front of the receive buffer.
func (io_ *IO) PushBack(data []byte) {
	io_.recvBuf = append(append([]byte{}, data...), io_.recvBuf...)
}

// RecvRaw consumes up to n bytes directly from the buffered/underlying
// stream, used by DataReader to read message body chunks.
func (io_ *IO) RecvRaw(max int) ([]byte, error) {
	if len(io_.recvBuf) > 0 {
		n := max
		if n > len(io_.recvBuf) {
			n = len(io_.recvBuf)
		}
		chunk := io_.recvBuf[:n]
		io_.recvBuf = io_.recvBuf[n:]
		return chunk, nil
	}
	buf := make([]byte, max)
	n, err := io_.rawRecv(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// RecvReply reads one (possibly multi-line) SMTP reply. All continuation
// lines must share the same three-digit code.
func (io_ *IO) RecvReply() (*Reply, error) {
	var code string
	var lines []string
	for {
		line, err := io_.RecvLine()
		if err != nil {
			return nil, err
		}
		if !utf8.ValidString(line) {
			return nil, fmt.Errorf("%w: non-UTF-8 reply line", ErrBadReply)
		}
		m := replyLinePattern.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("%w: unparseable reply line %q", ErrBadReply, line)
		}
		lineCode, sep, rest := m[1], m[2], m[3]
		if code == "" {
			code = lineCode
		} else if lineCode != code {
			return nil, fmt.Errorf("%w: mismatched continuation code %q != %q", ErrBadReply, lineCode, code)
		}
		lines = append(lines, rest)
		if sep != "-" {
			break
		}
	}
	r := &Reply{}
	if err := r.SetCode(code); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	r.SetMessage(strings.Join(lines, "\r\n"))
	return r, nil
}

// RecvCommand reads one line and parses it as "CMD" or "CMD arg", with the
// verb upper-cased. An unparseable line yields ("", "").
func (io_ *IO) RecvCommand() (verb, arg string, err error) {
	line, err := io_.RecvLine()
	if err != nil {
		return "", "", err
	}
	m := commandPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", "", nil
	}
	return strings.ToUpper(m[1]), m[2], nil
}

// SendReply buffers the rendered multi-line reply (does not flush).
func (io_ *IO) SendReply(r *Reply) {
	if r.NewlineFirst {
		io_.BufferedSend([]byte("\r\n"))
	}
	for _, line := range r.Lines() {
		io_.BufferedSend([]byte(line))
		io_.BufferedSend([]byte("\r\n"))
	}
}

// SendCommand buffers "command arg\r\n" (or "command\r\n" if arg is empty).
func (io_ *IO) SendCommand(command, arg string) {
	if arg != "" {
		io_.BufferedSend([]byte(command + " " + arg + "\r\n"))
	} else {
		io_.BufferedSend([]byte(command + "\r\n"))
	}
}

// EncryptServer performs a server-side TLS handshake in place using cfg,
// returning whether the upgrade succeeded.
func (io_ *IO) EncryptServer(cfg *tls.Config) bool {
	tlsConn := tls.Server(io_.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return false
	}
	io_.conn = tlsConn
	io_.encrypted = true
	return true
}

// EncryptClient performs a client-side TLS handshake in place using cfg,
// returning whether the upgrade succeeded.
func (io_ *IO) EncryptClient(cfg *tls.Config) bool {
	tlsConn := tls.Client(io_.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return false
	}
	io_.conn = tlsConn
	io_.encrypted = true
	return true
}

// Close unwraps TLS (ignoring reset/closed/EOF errors) then closes the
// underlying socket.
func (io_ *IO) Close() error {
	if tlsConn, ok := io_.conn.(*tls.Conn); ok {
		_ = tlsConn.Close()
		io_.encrypted = false
	}
	err := io_.conn.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
