// Package edge implements the ingress side of message delivery: accepting
// connections, driving a protocol engine, and handing off completed
// envelopes to a Queue (or a ProxyQueue, for immediate relay). Grounded on
// original_source/slimta/edge/{__init__,smtp}.py.
package edge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/slimta/slimta-go/internal/envelope"
	"github.com/slimta/slimta-go/internal/queue"
	"github.com/slimta/slimta-go/internal/relay"
	"github.com/slimta/slimta-go/internal/smtpproto"
)

// Enqueuer is what an Edge hands a completed envelope to. *queue.Queue and
// *queue.ProxyQueue both satisfy it, mirroring slimta.queue.proxy.ProxyQueue
// "implementing the same interface as Queue" so an edge can be pointed at
// either without knowing which.
type Enqueuer interface {
	Enqueue(ctx context.Context, env *envelope.Envelope) ([]queue.EnqueueResult, error)
}

// Validators lets an operator gate and rewrite the default reply for named
// commands before it is sent, grounded on slimta.edge.smtp.SmtpEdge's
// validators object (handle_banner/handle_ehlo/handle_mail/handle_rcpt/
// handle_data/handle_auth). Any field left nil leaves the default reply
// untouched.
type Validators struct {
	Banner   func(reply *smtpproto.Reply, remoteAddr string)
	Ehlo     func(reply *smtpproto.Reply, ehloAs string)
	Helo     func(reply *smtpproto.Reply, heloAs string)
	Auth     func(reply *smtpproto.Reply, identity string)
	MailFrom func(reply *smtpproto.Reply, address string, params map[string]string)
	RcptTo   func(reply *smtpproto.Reply, address string, params map[string]string)
	Data     func(reply *smtpproto.Reply)
}

// Metrics is the narrow observability surface an SMTPEdge reports through,
// satisfied by an adapter over observability.Metrics. Kept as an interface
// so this package does not import observability directly and tests can run
// without any metrics backend, mirroring queue.Metrics and relay's
// PoolStater-driven sampling.
type Metrics interface {
	Connection()
	Command(command, replyClass string)
	SessionDuration(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) Connection()                        {}
func (noopMetrics) Command(command, replyClass string) {}
func (noopMetrics) SessionDuration(d time.Duration)    {}

func replyClass(code string) string {
	if len(code) == 0 {
		return "unknown"
	}
	return string(code[0]) + "xx"
}

// Config configures an SMTPEdge's listener and the Server it drives per
// connection.
type Config struct {
	ListenAddr string
	Hostname   string
	MaxConns   int // bounds concurrent connections; 0 means unbounded

	TLSConfig      *tls.Config
	TLSImmediately bool

	MaxSize           int
	RequireAuth       bool
	AllowInsecureAuth bool

	// Mechanisms restricts the advertised/accepted SASL mechanisms to these
	// names; nil or empty offers every mechanism smtpproto.ServerConfig
	// defaults to.
	Mechanisms []string

	CommandTimeout time.Duration
	DataTimeout    time.Duration

	// ProxyMode, when the underlying Enqueuer is a queue.ProxyQueue, copies
	// a RelayError's reply straight through to the client instead of the
	// generic 550 queuing failure, matching the HAVE_DATA pseudocode's
	// "first.error is RelayError and proxy mode" branch.
	ProxyMode bool

	Validators Validators

	VerifySecret func(authcid, secret, authzid string) (identity string, ok bool)
	GetSecret    func(authcid, authzid string) (secret string, ok bool)

	Logger  *slog.Logger
	Metrics Metrics
}

// SMTPEdge accepts SMTP connections and drives an smtpproto.Server on each,
// wiring its DATA handler to hand off completed envelopes to an Enqueuer.
// Grounded on slimta.edge.smtp.SmtpEdge; the accept loop's bounded
// concurrency (a buffered channel gating goroutine spawn) follows the shape
// of flashmob-go-guerrilla's runServer.
type SMTPEdge struct {
	cfg Config
	q   Enqueuer
	sem chan struct{}
}

// NewSMTPEdge returns an SMTPEdge handing completed envelopes off to q.
func NewSMTPEdge(cfg Config, q Enqueuer) *SMTPEdge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	e := &SMTPEdge{cfg: cfg, q: q}
	if cfg.MaxConns > 0 {
		e.sem = make(chan struct{}, cfg.MaxConns)
	}
	return e
}

// ListenAndServe opens cfg.ListenAddr and serves until ctx is cancelled.
func (e *SMTPEdge) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("edge: listen %s: %w", e.cfg.ListenAddr, err)
	}
	return e.Serve(ctx, ln)
}

// Serve accepts connections on ln, dispatching each to its own goroutine,
// until ctx is cancelled or Accept fails permanently.
func (e *SMTPEdge) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				e.cfg.Logger.Warn("edge: accept error", "error", err)
				return err
			}
		}
		if e.sem != nil {
			e.sem <- struct{}{}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.sem != nil {
				defer func() { <-e.sem }()
			}
			e.handleConn(ctx, conn)
		}()
	}
}

// session tracks the per-connection state an smtpproto.Server doesn't
// expose to its Handlers callbacks directly (sender, recipients, the
// negotiated protocol string), mirroring slimta.edge.smtp.Handlers'
// instance state.
type session struct {
	remoteAddr string
	protocol   string
	ehloAs     string
	authed     string
	sender     string
	recipients []string
}

// modifyProtocol advances the protocol label the way
// slimta.edge.smtp.Handlers._modify_protocol_string does: SMTP -> ESMTP on
// EHLO, (E)SMTP(A) -> (E)SMTPS(A) on STARTTLS, ESMTP -> ESMTPA on AUTH.
func (s *session) modifyProtocol(change string) {
	switch {
	case s.protocol == "SMTP" && change == "EHLO":
		s.protocol = "ESMTP"
	case s.protocol == "SMTP" && change == "STARTTLS":
		s.protocol = "SMTPS"
	case s.protocol == "SMTPS" && change == "EHLO":
		s.protocol = "ESMTPS"
	case s.protocol == "ESMTP" && change == "STARTTLS":
		s.protocol = "ESMTPS"
	case s.protocol == "ESMTP" && change == "AUTH":
		s.protocol = "ESMTPA"
	case s.protocol == "ESMTPA" && change == "STARTTLS":
		s.protocol = "ESMTPSA"
	case s.protocol == "ESMTPS" && change == "AUTH":
		s.protocol = "ESMTPSA"
	}
}

func (s *session) resetEnvelope() {
	s.sender = ""
	s.recipients = nil
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (e *SMTPEdge) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	e.cfg.Metrics.Connection()
	start := time.Now()
	defer func() { e.cfg.Metrics.SessionDuration(time.Since(start)) }()

	sess := &session{remoteAddr: conn.RemoteAddr().String(), protocol: "SMTP"}
	io_ := smtpproto.NewIO(conn)
	srv := smtpproto.NewServer(io_, smtpproto.ServerConfig{
		Hostname:          e.cfg.Hostname,
		TLSConfig:         e.cfg.TLSConfig,
		TLSImmediately:    e.cfg.TLSImmediately,
		MaxSize:           e.cfg.MaxSize,
		RequireAuth:       e.cfg.RequireAuth,
		AllowInsecureAuth: e.cfg.AllowInsecureAuth,
		Mechanisms:        e.cfg.Mechanisms,
		CommandTimeout:    e.cfg.CommandTimeout,
		DataTimeout:       e.cfg.DataTimeout,
	}, e.handlers(ctx, sess))

	if err := srv.Handle(ctx); err != nil {
		e.cfg.Logger.Debug("edge: connection ended", "remote", sess.remoteAddr, "error", err)
	}
}

// countCommand records the final reply class for command once the handler
// that produced reply has finished running. Called via defer so it still
// fires on every return path, including validator short-circuits.
func (e *SMTPEdge) countCommand(command string, reply *smtpproto.Reply) {
	e.cfg.Metrics.Command(command, replyClass(reply.Code()))
}

func (e *SMTPEdge) handlers(ctx context.Context, sess *session) smtpproto.Handlers {
	v := e.cfg.Validators
	return smtpproto.Handlers{
		Banner: func(reply *smtpproto.Reply) {
			defer e.countCommand("BANNER", reply)
			if v.Banner != nil {
				v.Banner(reply, sess.remoteAddr)
			}
		},
		Ehlo: func(reply *smtpproto.Reply, ehloAs string) {
			defer e.countCommand("EHLO", reply)
			if v.Ehlo != nil {
				v.Ehlo(reply, ehloAs)
			}
			if !reply.IsError() {
				sess.ehloAs = ehloAs
				sess.modifyProtocol("EHLO")
				sess.resetEnvelope()
			}
		},
		Helo: func(reply *smtpproto.Reply, heloAs string) {
			defer e.countCommand("HELO", reply)
			if v.Helo != nil {
				v.Helo(reply, heloAs)
			}
			if !reply.IsError() {
				sess.ehloAs = heloAs
				sess.resetEnvelope()
			}
		},
		StartTLS: func(reply *smtpproto.Reply) {
			defer e.countCommand("STARTTLS", reply)
			sess.modifyProtocol("STARTTLS")
		},
		Auth: func(reply *smtpproto.Reply, identity string) {
			defer e.countCommand("AUTH", reply)
			if v.Auth != nil {
				v.Auth(reply, identity)
			}
			if !reply.IsError() {
				sess.authed = identity
				sess.modifyProtocol("AUTH")
			}
		},
		MailFrom: func(reply *smtpproto.Reply, address string, params map[string]string) {
			defer e.countCommand("MAIL", reply)
			if v.MailFrom != nil {
				v.MailFrom(reply, address, params)
			}
			if !reply.IsError() {
				sess.sender = address
				sess.recipients = nil
			}
		},
		RcptTo: func(reply *smtpproto.Reply, address string, params map[string]string) {
			defer e.countCommand("RCPT", reply)
			if v.RcptTo != nil {
				v.RcptTo(reply, address, params)
			}
			if !reply.IsError() {
				sess.recipients = append(sess.recipients, address)
			}
		},
		Data: func(reply *smtpproto.Reply, data []byte) {
			defer e.countCommand("DATA", reply)
			if v.Data != nil {
				v.Data(reply)
				if reply.IsError() {
					return
				}
			}
			e.haveData(ctx, sess, reply, data)
		},
		Rset: func(reply *smtpproto.Reply) {
			defer e.countCommand("RSET", reply)
			sess.resetEnvelope()
		},
		VerifySecret: e.cfg.VerifySecret,
		GetSecret:    e.cfg.GetSecret,
	}
}

// haveData implements the HAVE_DATA handoff: build the Envelope from the
// session's recorded sender/recipients and the just-received message body,
// enqueue it, and translate the first result into the DATA reply.
func (e *SMTPEdge) haveData(ctx context.Context, sess *session, reply *smtpproto.Reply, data []byte) {
	env := envelope.New(sess.sender, append([]string(nil), sess.recipients...))
	if err := env.Parse(data); err != nil {
		reply.SetCode("550")
		reply.SetMessage("5.6.0 Error parsing message")
		return
	}
	env.Receiver = e.cfg.Hostname
	env.Timestamp = time.Now()
	env.Client = envelope.ClientInfo{
		IP:       remoteIP(sess.remoteAddr),
		Name:     sess.ehloAs,
		Protocol: sess.protocol,
		Auth:     sess.authed,
	}

	results, err := e.q.Enqueue(ctx, env)
	if err != nil {
		e.cfg.Logger.Error("edge: enqueue failed", "from", env.Sender, "error", err)
		reply.SetCode("550")
		reply.SetMessage("5.6.0 Error queuing message")
		return
	}
	if len(results) == 0 {
		return // nothing was produced to queue; default 250 stands
	}

	first := results[0]
	if first.Err == nil {
		return // default "250 2.6.0 Message accepted for delivery" stands
	}

	var relErr *relay.RelayError
	if e.cfg.ProxyMode && errors.As(first.Err, &relErr) {
		reply.Copy(relErr.Reply)
		return
	}

	e.cfg.Logger.Warn("edge: queuing failed", "from", env.Sender, "error", first.Err)
	reply.SetCode("550")
	reply.SetMessage("5.6.0 Error queuing message")
}
