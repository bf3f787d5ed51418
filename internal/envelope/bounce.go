package envelope

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// HeaderTemplate and FooterTemplate bracket the original message inside a
// multipart/report DSN, substituted with '{'key'}' placeholders. Grounded
// on slimta.bounce.default_header_template/default_footer_template; CRLF
// normalization happens at template-definition time here instead of via a
// regex substitution at import time.
const (
	HeaderTemplate = "From: MAILER-DAEMON\r\n" +
		"To: {sender}\r\n" +
		"Subject: Undelivered Mail Returned to Sender\r\n" +
		"Auto-Submitted: auto-replied\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/report; report-type=delivery-status;\r\n" +
		"    boundary=\"{boundary}\"\r\n" +
		"Content-Transfer-Encoding: 7bit\r\n" +
		"\r\n" +
		"This is a multi-part message in MIME format.\r\n" +
		"\r\n" +
		"--{boundary}\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Delivery failed.\r\n" +
		"\r\n" +
		"Destination host responded:\r\n" +
		"{code} {message}\r\n" +
		"\r\n" +
		"--{boundary}\r\n" +
		"Content-Type: message/delivery-status\r\n" +
		"\r\n" +
		"Reporting-MTA: dns; {receiver}\r\n" +
		"Remote-MTA: dns; {client_name} [{client_ip}]\r\n" +
		"Diagnostic-Code: {protocol}; {code} {message}\r\n" +
		"Final-Recipient: rfc822; {rcpt}\r\n" +
		"Action: failed\r\n" +
		"Status: {status}\r\n" +
		"\r\n" +
		"--{boundary}\r\n" +
		"Content-Type: message/rfc822\r\n" +
		"\r\n"

	FooterTemplate = "\r\n--{boundary}--\r\n"
)

// substitute performs '{'key'}'-style template substitution, the Go
// equivalent of Python's str.format(**table).
func substitute(template string, table map[string]string) string {
	out := template
	for k, v := range table {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// BounceSender is the envelope sender address used for generated bounce
// messages. Per RFC 5321 this is conventionally empty, signaling the
// message must not itself generate further bounces.
const BounceSender = ""

// NewBounce builds the DSN bounce Envelope for a failed delivery attempt
// against one recipient of orig, carrying orig's own message as the
// rfc822 attachment. Grounded on slimta.bounce.Bounce.
func NewBounce(orig *Envelope, rcpt string, code, escOrStatus, message string) *Envelope {
	boundary := "boundary_=" + uuid.New().String()
	table := map[string]string{
		"boundary":    boundary,
		"sender":      orig.Sender,
		"receiver":    valueOr(orig.Receiver, "unknown"),
		"client_name": valueOr(orig.Client.Name, "unknown"),
		"client_ip":   valueOr(orig.Client.IP, "unknown"),
		"protocol":    valueOr(orig.Client.Protocol, "SMTP"),
		"code":        code,
		"message":     message,
		"status":      escOrStatus,
		"rcpt":        rcpt,
	}

	var buf bytes.Buffer
	buf.WriteString(substitute(HeaderTemplate, table))

	header, body := orig.Flatten()
	buf.Write(header)
	buf.Write(body)

	buf.WriteString(substitute(FooterTemplate, table))

	bounce := New(BounceSender, []string{orig.Sender})
	_ = bounce.Parse(buf.Bytes())
	bounce.Receiver = orig.Receiver
	return bounce
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// DefaultStatus derives an RFC 3463 enhanced status code from a plain SMTP
// reply code when the relay error did not carry one, e.g. "550" -> "5.0.0".
func DefaultStatus(code string) string {
	if len(code) == 0 {
		return "5.0.0"
	}
	return fmt.Sprintf("%c.0.0", code[0])
}
