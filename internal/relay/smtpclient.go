package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/slimta/slimta-go/internal/envelope"
	"github.com/slimta/slimta-go/internal/smtpproto"
)

var localHostname = func() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "localhost"
}()

// ClientConfig configures an SmtpRelayClient worker, grounded on the
// constructor keyword arguments of
// original_source/slimta/relay/smtp/client.py's SmtpRelayClient.
type ClientConfig struct {
	Address string
	EhloAs  string

	LMTP bool // use LHLO and the per-recipient DATA reply contract (RFC 2033)

	TLSConfig      *tls.Config
	TLSImmediately bool
	TLSRequired    bool

	Dial func(ctx context.Context, network, address string) (net.Conn, error)

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	DataTimeout    time.Duration
	IdleTimeout    time.Duration // 0 means the connection is used for one job then closed
}

func (cfg *ClientConfig) dial(ctx context.Context) (net.Conn, error) {
	if cfg.Dial != nil {
		return cfg.Dial(ctx, "tcp", cfg.Address)
	}
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	return d.DialContext(ctx, "tcp", cfg.Address)
}

func (cfg *ClientConfig) ehloAs() string {
	if cfg.EhloAs != "" {
		return cfg.EhloAs
	}
	return localHostname
}

// SmtpRelayClient is a long-lived worker that owns one connection and
// drains jobs from a workQueue until idled out, grounded on
// original_source/slimta/relay/smtp/client.py's SmtpRelayClient. Where the
// Python original subclasses for LMTP (lmtpclient.py), this Go version
// takes the LMTP/SMTP distinction as ClientConfig.LMTP, branching on it in
// ehlo and deliver — composition in place of a subclass.
type SmtpRelayClient struct {
	cfg   ClientConfig
	queue *workQueue
	conn  net.Conn
	c     *smtpproto.Client

	idle atomic.Bool
}

// NewSmtpRelayClient creates a worker bound to queue but does not start it;
// call Run in its own goroutine.
func NewSmtpRelayClient(cfg ClientConfig, queue *workQueue) *SmtpRelayClient {
	return &SmtpRelayClient{cfg: cfg, queue: queue}
}

// Idle reports whether the worker is currently blocked waiting for its next
// job (used by RelayPool to decide whether a new worker is needed).
func (w *SmtpRelayClient) Idle() bool { return w.idle.Load() }

func (w *SmtpRelayClient) withTimeout(d time.Duration, fn func() error) error {
	if d <= 0 {
		return fn()
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		return fmt.Errorf("timed out after %s", d)
	}
}

func (w *SmtpRelayClient) connect(ctx context.Context) error {
	conn, err := w.cfg.dial(ctx)
	if err != nil {
		return NewTransientRelayError("connection failed: "+err.Error(), smtpproto.ConnectionFailed())
	}
	w.conn = conn
	io_ := smtpproto.NewIO(conn)
	if w.cfg.TLSConfig != nil && w.cfg.TLSImmediately {
		if !io_.EncryptClient(w.cfg.TLSConfig) {
			conn.Close()
			return NewTransientRelayError("immediate TLS handshake failed", smtpproto.TLSFailure())
		}
	}
	w.c = smtpproto.NewClient(io_)
	return nil
}

func (w *SmtpRelayClient) handshake() error {
	var err error
	var banner, greet, starttls *smtpproto.Reply

	if err = w.withTimeout(w.cfg.CommandTimeout, func() (e error) { banner, e = w.c.GetBanner(); return }); err != nil {
		return NewTransientRelayError("banner wait: "+err.Error(), nil)
	}
	if banner.IsError() {
		return FromReply("[BANNER]", banner)
	}

	doGreet := func() error {
		var e error
		if w.cfg.LMTP {
			greet, e = w.c.Lhlo(w.cfg.ehloAs())
		} else {
			greet, e = w.c.Ehlo(w.cfg.ehloAs())
		}
		return e
	}
	if err = w.withTimeout(w.cfg.CommandTimeout, doGreet); err != nil {
		return NewTransientRelayError("greeting: "+err.Error(), nil)
	}
	if greet.IsError() {
		return FromReply(greet.Command, greet)
	}

	if w.cfg.TLSConfig != nil && !w.cfg.TLSImmediately {
		if err = w.withTimeout(w.cfg.CommandTimeout, func() (e error) { starttls, e = w.c.StartTLS(w.cfg.TLSConfig); return }); err != nil {
			return NewTransientRelayError("starttls: "+err.Error(), nil)
		}
		if starttls.IsError() {
			if w.cfg.TLSRequired {
				return FromReply("STARTTLS", starttls)
			}
		} else {
			if err = w.withTimeout(w.cfg.CommandTimeout, doGreet); err != nil {
				return NewTransientRelayError("post-tls greeting: "+err.Error(), nil)
			}
			if greet.IsError() {
				return FromReply(greet.Command, greet)
			}
		}
	}
	return nil
}

func (w *SmtpRelayClient) rset() {
	_ = w.withTimeout(w.cfg.CommandTimeout, func() error {
		_, err := w.c.Rset()
		return err
	})
}

func (w *SmtpRelayClient) disconnect() {
	_ = w.withTimeout(w.cfg.CommandTimeout, func() error {
		_, err := w.c.Quit()
		return err
	})
	if w.conn != nil {
		w.conn.Close()
	}
}

// deliver performs the MAIL/RCPT/DATA sequence for one envelope, returning
// a per-recipient result slice. It mirrors SmtpRelayClient._send_envelope
// for plain SMTP, and LmtpRelayClient._deliver when cfg.LMTP is set.
func (w *SmtpRelayClient) deliver(env *envelope.Envelope) ([]RecipientResult, error) {
	var mailfrom *smtpproto.Reply
	err := w.withTimeout(w.cfg.CommandTimeout, func() (e error) {
		mailfrom, e = w.c.MailFrom(env.Sender, len(env.Message))
		return
	})
	if err != nil {
		return nil, NewTransientRelayError("MAIL FROM: "+err.Error(), nil)
	}

	rcptReplies := make([]*smtpproto.Reply, len(env.Recipients))
	for i, rcpt := range env.Recipients {
		if err = w.withTimeout(w.cfg.CommandTimeout, func() (e error) {
			rcptReplies[i], e = w.c.RcptTo(rcpt)
			return
		}); err != nil {
			return nil, NewTransientRelayError("RCPT TO: "+err.Error(), nil)
		}
	}

	var dataReply *smtpproto.Reply
	if err = w.withTimeout(w.cfg.CommandTimeout, func() (e error) { dataReply, e = w.c.Data(); return }); err != nil {
		return nil, NewTransientRelayError("DATA: "+err.Error(), nil)
	}

	if mailfrom.IsError() {
		w.abortData(dataReply)
		return nil, FromReply("MAIL", mailfrom)
	}
	anyRcptOK := false
	for _, r := range rcptReplies {
		if !r.IsError() {
			anyRcptOK = true
			break
		}
	}
	if !anyRcptOK {
		w.abortData(dataReply)
		return nil, FromReply("RCPT", rcptReplies[0])
	}
	if dataReply.IsError() {
		return nil, FromReply("DATA", dataReply)
	}

	headerData, messageData := env.Flatten()
	payload := append(append([]byte{}, headerData...), messageData...)

	if w.cfg.LMTP {
		return w.deliverLMTP(env, rcptReplies, payload)
	}
	return w.deliverSMTP(env, rcptReplies, payload)
}

// abortData sends an empty DATA terminator to abort a transaction that
// failed in the envelope (MAIL/RCPT) phase but already issued DATA.
func (w *SmtpRelayClient) abortData(dataReply *smtpproto.Reply) {
	if dataReply != nil && !dataReply.IsError() {
		_ = w.withTimeout(w.cfg.DataTimeout, func() error {
			_, err := w.c.SendEmptyData()
			return err
		})
	}
}

func (w *SmtpRelayClient) deliverSMTP(env *envelope.Envelope, rcptReplies []*smtpproto.Reply, payload []byte) ([]RecipientResult, error) {
	var sendReply *smtpproto.Reply
	err := w.withTimeout(w.cfg.DataTimeout, func() (e error) { sendReply, e = w.c.SendData(payload); return })
	if err != nil {
		return nil, NewTransientRelayError("send data: "+err.Error(), nil)
	}
	if sendReply.IsError() {
		return nil, FromReply("DATA", sendReply)
	}

	results := make([]RecipientResult, len(env.Recipients))
	for i, rcpt := range env.Recipients {
		results[i] = RecipientResult{Recipient: rcpt, Index: i}
		if rcptReplies[i].IsError() {
			results[i].Err = FromReply("RCPT", rcptReplies[i])
		}
	}
	return results, nil
}

// deliverLMTP sends message data once and expects one reply per recipient
// whose RCPT was accepted, in RCPT order (RFC 2033), grounded on
// LmtpRelayClient._deliver.
func (w *SmtpRelayClient) deliverLMTP(env *envelope.Envelope, rcptReplies []*smtpproto.Reply, payload []byte) ([]RecipientResult, error) {
	accepted := 0
	for _, r := range rcptReplies {
		if !r.IsError() {
			accepted++
		}
	}
	var dataReplies []*smtpproto.Reply
	err := w.withTimeout(w.cfg.DataTimeout, func() (e error) {
		dataReplies, e = w.c.SendDataExpectReplies(payload, accepted)
		return
	})
	if err != nil {
		return nil, NewTransientRelayError("send data: "+err.Error(), nil)
	}

	results := make([]RecipientResult, len(env.Recipients))
	next := 0 // index into dataReplies, which skips rejected recipients
	for i, rcpt := range env.Recipients {
		results[i] = RecipientResult{Recipient: rcpt, Index: i}
		if rcptReplies[i].IsError() {
			results[i].Err = FromReply("RCPT", rcptReplies[i])
			continue
		}
		if next < len(dataReplies) && dataReplies[next].IsError() {
			results[i].Err = FromReply("DATA", dataReplies[next])
		}
		next++
	}
	return results, nil
}

// Run drives the worker loop: connect, handshake, then repeatedly pop jobs
// from queue and deliver them, until idled out or the queue closes.
// Grounded on SmtpRelayClient._run.
func (w *SmtpRelayClient) Run(ctx context.Context) {
	defer w.idle.Store(false)

	if err := w.connect(ctx); err != nil {
		w.drainOnConnectFailure(err)
		return
	}
	if err := w.handshake(); err != nil {
		w.disconnect()
		w.drainOnConnectFailure(err)
		return
	}

	for {
		w.idle.Store(true)
		var j *job
		var ok bool
		if w.cfg.IdleTimeout > 0 {
			select {
			case j, ok = <-w.queue.ch:
			case <-time.After(w.cfg.IdleTimeout):
				ok = false
			case <-ctx.Done():
				ok = false
			}
		} else {
			select {
			case j, ok = <-w.queue.ch:
			case <-ctx.Done():
				ok = false
			}
		}
		w.idle.Store(false)
		if !ok || j == nil {
			break
		}

		results, err := w.deliver(j.env)
		if err != nil {
			w.rset()
			j.result <- jobResult{err: err}
		} else {
			w.rset()
			j.result <- jobResult{perRecipient: results}
		}

		if w.cfg.IdleTimeout <= 0 {
			break
		}
	}
	w.disconnect()
}

// drainOnConnectFailure fails the single job already assigned to this
// worker (if any) when the connection or handshake never completes; the
// pool is responsible for requeueing work that never made it to a worker.
func (w *SmtpRelayClient) drainOnConnectFailure(err error) {
	select {
	case j := <-w.queue.ch:
		j.result <- jobResult{err: err}
	default:
	}
}
