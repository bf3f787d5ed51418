package smtpproto

import "bytes"

// DataSender dot-stuffs a message body and appends the DATA terminator,
// grounded on slimta.smtp.datasender.DataSender.
type DataSender struct {
	data []byte
}

// NewDataSender prepares data for transmission.
func NewDataSender(data []byte) *DataSender {
	return &DataSender{data: data}
}

// Encode returns the dot-stuffed byte stream including its trailing
// terminator, ready to hand to IO.BufferedSend.
func (s *DataSender) Encode() []byte {
	var out bytes.Buffer
	lines := splitKeepingTerminator(s.data)
	for _, line := range lines {
		if bytes.HasPrefix(line, []byte(".")) {
			out.WriteByte('.')
		}
		out.Write(line)
	}
	endsWithNewline := len(s.data) == 0 || s.data[len(s.data)-1] == '\n'
	if endsWithNewline {
		out.WriteString(".\r\n")
	} else {
		out.WriteString("\r\n.\r\n")
	}
	return out.Bytes()
}

// splitKeepingTerminator splits data into lines, each retaining its
// trailing "\n" (and preceding "\r" if present) except possibly the last.
func splitKeepingTerminator(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			lines = append(lines, data[start:i+1])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
