package smtpproto

import (
	"bytes"
	"errors"
)

// ErrMessageTooBig indicates the DATA stream exceeded the configured
// maximum size.
var ErrMessageTooBig = errors.New("smtpproto: message too big")

// DataReader consumes a DATA stream terminated by a line consisting solely
// of ".", stripping a leading "." from any other line per RFC 5321 §4.5.2.
// Grounded on slimta.smtp.datareader.DataReader.
type DataReader struct {
	io      *IO
	maxSize int // 0 means unbounded

	buf    []byte
	size   int
	eod    bool
	tooBig bool
}

// NewDataReader returns a DataReader bound to io. maxSize of 0 disables
// the size cap.
func NewDataReader(io_ *IO, maxSize int) *DataReader {
	return &DataReader{io: io_, maxSize: maxSize}
}

// Recv reads the entire DATA stream up to and including the terminator,
// returning the unstuffed body (without the terminator line). If maxSize
// is exceeded, it returns ErrMessageTooBig alongside whatever body was
// accumulated before the cap was hit.
func (d *DataReader) Recv() ([]byte, error) {
	var out bytes.Buffer
	for !d.eod {
		chunk, err := d.io.RecvRaw(4096)
		if err != nil {
			return out.Bytes(), err
		}
		d.buf = append(d.buf, chunk...)
		d.drainLines(&out)
	}
	if d.tooBig {
		return out.Bytes(), ErrMessageTooBig
	}
	return out.Bytes(), nil
}

// drainLines extracts every complete line currently buffered, appending
// unstuffed body lines to out and detecting the EOD marker and the
// max-size cap.
func (d *DataReader) drainLines(out *bytes.Buffer) {
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			return
		}
		line := d.buf[:idx+1]
		d.buf = d.buf[idx+1:]

		if isEODLine(line) {
			d.eod = true
			// Residual buffered bytes (pipelined commands) go back to IO.
			if len(d.buf) > 0 {
				d.io.PushBack(d.buf)
				d.buf = nil
			}
			return
		}

		unstuffed := line
		if bytes.HasPrefix(unstuffed, []byte(".")) {
			unstuffed = unstuffed[1:]
		}

		d.size += len(unstuffed)
		if d.maxSize > 0 && d.size > d.maxSize {
			d.eod = true
			d.buf = nil
			out.Write(unstuffed)
			// Caller distinguishes this case via the returned error below.
			d.tooBig = true
			return
		}
		out.Write(unstuffed)
	}
}

// isEODLine reports whether line (including its terminator) is exactly
// ".\r\n" or ".\n".
func isEODLine(line []byte) bool {
	t := bytes.TrimRight(line, "\r\n")
	return len(t) == 1 && t[0] == '.'
}
