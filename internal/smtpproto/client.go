package smtpproto

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// Client drives the client half of SMTP over a connected IO, grounded on
// slimta.smtp.client.Client. It supports PIPELINING: commands sent while
// the server advertises PIPELINING queue their Reply placeholder and do
// not block until flushPipeline is called, either explicitly by a
// non-pipelined command or by the caller.
type Client struct {
	io         *IO
	replyQueue []*Reply

	// Extensions holds the server's advertised extensions, populated by
	// Ehlo.
	Extensions *Extensions
}

// NewClient wraps io_ for client-side command/reply exchange.
func NewClient(io_ *IO) *Client {
	return &Client{io: io_, Extensions: NewExtensions()}
}

// flushPipeline flushes any buffered command bytes, then reads one reply
// per queued placeholder, populating each in FIFO order.
func (c *Client) flushPipeline() error {
	if err := c.io.FlushSend(); err != nil {
		return err
	}
	for len(c.replyQueue) > 0 {
		r := c.replyQueue[0]
		c.replyQueue = c.replyQueue[1:]
		reply, err := c.io.RecvReply()
		if err != nil {
			return err
		}
		r.Copy(reply)
	}
	return nil
}

// pipelined reports whether the server has advertised PIPELINING.
func (c *Client) pipelined() bool {
	return c.Extensions.Contains("PIPELINING")
}

// GetBanner waits for the initial connection banner.
func (c *Client) GetBanner() (*Reply, error) {
	banner := &Reply{Command: "[BANNER]"}
	c.replyQueue = append(c.replyQueue, banner)
	if err := c.flushPipeline(); err != nil {
		return banner, err
	}
	return banner, nil
}

// CustomCommand sends command (with optional arg) and waits for the reply,
// flushing any prior pipelined commands first.
func (c *Client) CustomCommand(command, arg string) (*Reply, error) {
	r := &Reply{Command: strings.ToUpper(command)}
	c.replyQueue = append(c.replyQueue, r)
	c.io.SendCommand(command, arg)
	if err := c.flushPipeline(); err != nil {
		return r, err
	}
	return r, nil
}

// Ehlo sends EHLO and, on a 250 reply, resets and repopulates Extensions
// from the response.
func (c *Client) Ehlo(ehloAs string) (*Reply, error) {
	r := &Reply{Command: "EHLO"}
	c.replyQueue = append(c.replyQueue, r)
	c.io.SendCommand("EHLO", ehloAs)
	if err := c.flushPipeline(); err != nil {
		return r, err
	}
	if r.Code() == "250" {
		c.Extensions.Reset()
		header := c.Extensions.ParseString(r.RawMessage())
		r.SetMessage(header)
	}
	return r, nil
}

// Lhlo sends LHLO, the LMTP greeting (RFC 2033), populating Extensions the
// same way Ehlo does.
func (c *Client) Lhlo(lhloAs string) (*Reply, error) {
	r := &Reply{Command: "LHLO"}
	c.replyQueue = append(c.replyQueue, r)
	c.io.SendCommand("LHLO", lhloAs)
	if err := c.flushPipeline(); err != nil {
		return r, err
	}
	if r.Code() == "250" {
		c.Extensions.Reset()
		header := c.Extensions.ParseString(r.RawMessage())
		r.SetMessage(header)
	}
	return r, nil
}

// Helo sends HELO, the non-extended greeting.
func (c *Client) Helo(heloAs string) (*Reply, error) {
	r := &Reply{Command: "HELO"}
	c.replyQueue = append(c.replyQueue, r)
	c.io.SendCommand("HELO", heloAs)
	if err := c.flushPipeline(); err != nil {
		return r, err
	}
	return r, nil
}

// StartTLS sends STARTTLS and, on a 220 reply, performs the client-side TLS
// handshake in place. The caller must send EHLO again afterward.
func (c *Client) StartTLS(cfg *tls.Config) (*Reply, error) {
	reply, err := c.CustomCommand("STARTTLS", "")
	if err != nil {
		return reply, err
	}
	if reply.Code() == "220" {
		if !c.io.EncryptClient(cfg) {
			return reply, ErrConnectionLost
		}
	}
	return reply, nil
}

// MailFrom sends MAIL FROM:<address>, including SIZE=dataSize when the
// server advertises the SIZE extension and dataSize is non-negative. The
// reply is left unpopulated (to be filled by a later flush) when the
// server supports PIPELINING.
func (c *Client) MailFrom(address string, dataSize int) (*Reply, error) {
	r := &Reply{Command: "MAIL"}
	c.replyQueue = append(c.replyQueue, r)
	command := fmt.Sprintf("MAIL FROM:<%s>", address)
	if dataSize >= 0 && c.Extensions.Contains("SIZE") {
		command += fmt.Sprintf(" SIZE=%d", dataSize)
	}
	c.io.SendCommand(command, "")
	if !c.pipelined() {
		if err := c.flushPipeline(); err != nil {
			return r, err
		}
	}
	return r, nil
}

// RcptTo sends RCPT TO:<address>.
func (c *Client) RcptTo(address string) (*Reply, error) {
	r := &Reply{Command: "RCPT"}
	c.replyQueue = append(c.replyQueue, r)
	command := fmt.Sprintf("RCPT TO:<%s>", address)
	c.io.SendCommand(command, "")
	if !c.pipelined() {
		if err := c.flushPipeline(); err != nil {
			return r, err
		}
	}
	return r, nil
}

// Data sends the DATA command and waits for the 354 (or error) reply.
func (c *Client) Data() (*Reply, error) {
	return c.CustomCommand("DATA", "")
}

// SendData dot-stuffs and transmits the message body plus its terminator,
// then waits for the server's reply, whether or not PIPELINING is in use.
func (c *Client) SendData(data []byte) (*Reply, error) {
	r := &Reply{Command: "[SEND_DATA]"}
	c.replyQueue = append(c.replyQueue, r)
	sender := NewDataSender(data)
	c.io.BufferedSend(sender.Encode())
	if err := c.flushPipeline(); err != nil {
		return r, err
	}
	return r, nil
}

// SendEmptyData transmits a bare DATA terminator, used to abort a message
// that failed mid-transaction while keeping the connection usable.
func (c *Client) SendEmptyData() (*Reply, error) {
	r := &Reply{Command: "[SEND_DATA]"}
	c.replyQueue = append(c.replyQueue, r)
	c.io.SendCommand(".", "")
	if !c.pipelined() {
		if err := c.flushPipeline(); err != nil {
			return r, err
		}
	}
	return r, nil
}

// SendDataExpectReplies dot-stuffs and transmits data, then waits for
// exactly n replies instead of one — the LMTP DATA contract (RFC 2033),
// where the server emits one reply per accepted recipient in the order
// RCPT TO was issued.
func (c *Client) SendDataExpectReplies(data []byte, n int) ([]*Reply, error) {
	replies := make([]*Reply, n)
	for i := range replies {
		replies[i] = &Reply{Command: "[SEND_DATA]"}
		c.replyQueue = append(c.replyQueue, replies[i])
	}
	sender := NewDataSender(data)
	c.io.BufferedSend(sender.Encode())
	if err := c.flushPipeline(); err != nil {
		return replies, err
	}
	return replies, nil
}

// Rset sends RSET.
func (c *Client) Rset() (*Reply, error) {
	return c.CustomCommand("RSET", "")
}

// Quit sends QUIT. The caller should close the connection afterward.
func (c *Client) Quit() (*Reply, error) {
	return c.CustomCommand("QUIT", "")
}
