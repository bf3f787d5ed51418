package smtpproto

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/slimta/slimta-go/internal/smtpproto/auth"
)

// Handlers lets a caller observe or override the reply produced for each
// command. Every field is optional; when nil, the Server's own default
// reply is sent unmodified. When set, the callback receives the default
// reply already populated and may mutate it (e.g. to reject a sender that
// fails a policy check) before it goes out, matching the override pattern
// of slimta.smtp.server.Server's per-connection handler object.
type Handlers struct {
	Banner   func(reply *Reply)
	Ehlo     func(reply *Reply, ehloAs string)
	Helo     func(reply *Reply, heloAs string)
	StartTLS func(reply *Reply)
	Auth     func(reply *Reply, identity string)
	MailFrom func(reply *Reply, address string, params map[string]string)
	RcptTo   func(reply *Reply, address string, params map[string]string)
	Data     func(reply *Reply, data []byte)
	Rset     func(reply *Reply)
	Noop     func(reply *Reply)
	Quit     func(reply *Reply)
	Unknown  func(reply *Reply, verb, arg string)

	// LMTPData, used only by an LMTP Server, replaces Data. It must return
	// exactly one reply per entry in recipients, in the same order, per
	// RFC 2033's per-recipient DATA response requirement. When nil, an
	// LMTP Server falls back to Data and repeats its single reply for
	// every recipient.
	LMTPData func(data []byte, recipients []string) []*Reply

	// VerifySecret and GetSecret back SASL PLAIN/LOGIN and CRAM-MD5
	// respectively; see auth.ServerCallbacks.
	VerifySecret func(authcid, secret, authzid string) (identity string, ok bool)
	GetSecret    func(authcid, authzid string) (secret string, ok bool)
}

// ServerConfig configures a Server's extension advertisement and timeouts.
type ServerConfig struct {
	Hostname string

	TLSConfig      *tls.Config // nil disables STARTTLS
	TLSImmediately bool        // wrap the connection in TLS before the banner

	MaxSize int // SIZE extension and DATA cap; 0 means unbounded

	RequireAuth     bool // reject MAIL FROM until authenticated
	AllowInsecureAuth bool // offer PLAIN/LOGIN pre-TLS

	// Mechanisms restricts the advertised/accepted SASL mechanism set to
	// these names (matched against ServerMechanism.Name()). Nil or empty
	// means every mechanism auth.StandardMechanisms registers is offered.
	Mechanisms []string

	CommandTimeout time.Duration
	DataTimeout    time.Duration

	// NewChallenge overrides CRAM-MD5 challenge generation; tests inject a
	// deterministic value. Defaults to a timestamp-and-hostname token.
	NewChallenge func() string
}

// Server drives one SMTP/LMTP connection's command/reply state machine,
// grounded on slimta.smtp.server.Server.
type Server struct {
	io  *IO
	cfg ServerConfig

	lmtp bool

	ehloAs   string
	extended bool
	authed   string // authenticated identity, "" if none

	mailFrom     string
	mailParams   map[string]string
	rcptTo       []string
	haveMailFrom bool

	handlers  Handlers
	authMechs []auth.ServerMechanism
}

// NewServer wraps conn for plain SMTP.
func NewServer(io_ *IO, cfg ServerConfig, h Handlers) *Server {
	return newServer(io_, cfg, h, false)
}

// NewLMTPServer wraps conn for LMTP: LHLO replaces EHLO and DATA produces
// one reply per accepted recipient (see handleData).
func NewLMTPServer(io_ *IO, cfg ServerConfig, h Handlers) *Server {
	return newServer(io_, cfg, h, true)
}

func newServer(io_ *IO, cfg ServerConfig, h Handlers, lmtp bool) *Server {
	if cfg.NewChallenge == nil {
		cfg.NewChallenge = func() string {
			return fmt.Sprintf("<%d.%d@%s>", time.Now().UnixNano(), time.Now().Unix(), cfg.Hostname)
		}
	}
	return &Server{
		io:        io_,
		cfg:       cfg,
		lmtp:      lmtp,
		handlers:  h,
		authMechs: filterMechanisms(auth.StandardMechanisms(cfg.NewChallenge), cfg.Mechanisms),
	}
}

// filterMechanisms restricts mechs to the names listed in allowed, preserving
// mechs' order. A nil or empty allowed returns mechs unchanged.
func filterMechanisms(mechs []auth.ServerMechanism, allowed []string) []auth.ServerMechanism {
	if len(allowed) == 0 {
		return mechs
	}
	keep := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		keep[strings.ToUpper(name)] = true
	}
	filtered := make([]auth.ServerMechanism, 0, len(mechs))
	for _, m := range mechs {
		if keep[m.Name()] {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

// Handle runs the command loop until QUIT, a fatal protocol error, or ctx
// cancellation. It always sends the initial banner first.
func (s *Server) Handle(ctx context.Context) error {
	if s.cfg.TLSImmediately {
		if s.cfg.TLSConfig == nil || !s.io.EncryptServer(s.cfg.TLSConfig) {
			return ErrConnectionLost
		}
	}
	if err := s.sendBanner(); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		verb, arg, err := s.recvCommand(ctx)
		if err != nil {
			return err
		}
		if verb == "" {
			reply := BadArguments()
			s.io.SendReply(reply)
			if err := s.io.FlushSend(); err != nil {
				return err
			}
			continue
		}
		done, err := s.dispatch(verb, arg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *Server) recvCommand(ctx context.Context) (verb, arg string, err error) {
	type result struct {
		verb, arg string
		err       error
	}
	if s.cfg.CommandTimeout <= 0 {
		return s.io.RecvCommand()
	}
	ch := make(chan result, 1)
	go func() {
		v, a, e := s.io.RecvCommand()
		ch <- result{v, a, e}
	}()
	select {
	case r := <-ch:
		return r.verb, r.arg, r.err
	case <-time.After(s.cfg.CommandTimeout):
		reply := TimedOut()
		s.io.SendReply(reply)
		_ = s.io.FlushSend()
		return "", "", ErrConnectionLost
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (s *Server) sendBanner() error {
	reply := NewReply("220", fmt.Sprintf("%s ESMTP", s.cfg.Hostname))
	if s.handlers.Banner != nil {
		s.handlers.Banner(reply)
	}
	s.io.SendReply(reply)
	return s.io.FlushSend()
}

func (s *Server) dispatch(verb, arg string) (done bool, err error) {
	var reply *Reply
	switch verb {
	case "EHLO":
		reply = s.handleEhlo(arg)
	case "HELO":
		reply = s.handleHelo(arg)
	case "LHLO":
		reply = s.handleEhlo(arg)
	case "STARTTLS":
		return s.handleStartTLS(arg)
	case "AUTH":
		reply = s.handleAuth(arg)
	case "MAIL":
		reply = s.handleMailFrom(arg)
	case "RCPT":
		reply = s.handleRcptTo(arg)
	case "DATA":
		return s.handleData()
	case "RSET":
		reply = s.handleRset()
	case "NOOP":
		reply = s.handleNoop()
	case "QUIT":
		reply = s.handleQuit()
		done = true
	default:
		reply = UnknownCommand()
		if s.handlers.Unknown != nil {
			s.handlers.Unknown(reply, verb, arg)
		}
	}
	s.io.SendReply(reply)
	if err := s.io.FlushSend(); err != nil {
		return false, err
	}
	return done, nil
}

func (s *Server) extensionsHeader() *Extensions {
	ext := NewExtensions()
	ext.Add("8BITMIME", "")
	ext.Add("PIPELINING", "")
	ext.Add("ENHANCEDSTATUSCODES", "")
	if !s.io.Encrypted() && s.cfg.TLSConfig != nil {
		ext.Add("STARTTLS", "")
	}
	if s.cfg.MaxSize > 0 {
		ext.Add("SIZE", fmt.Sprintf("%d", s.cfg.MaxSize))
	}
	if s.authAllowed() {
		names := make([]string, 0, len(s.authMechs))
		for _, m := range s.authMechs {
			if m.Secure() || s.io.Encrypted() || s.cfg.AllowInsecureAuth {
				names = append(names, m.Name())
			}
		}
		if len(names) > 0 {
			ext.Add("AUTH", strings.Join(names, " "))
		}
	}
	return ext
}

func (s *Server) authAllowed() bool {
	return s.authed == ""
}

func (s *Server) handleEhlo(arg string) *Reply {
	s.ehloAs = strings.TrimSpace(arg)
	s.extended = true
	s.resetTransaction()
	if s.ehloAs == "" {
		r := BadArguments()
		return r
	}
	ext := s.extensionsHeader()
	header := fmt.Sprintf("%s Hello %s", s.cfg.Hostname, s.ehloAs)
	r := NewReply("250", ext.BuildString(header))
	if s.handlers.Ehlo != nil {
		s.handlers.Ehlo(r, s.ehloAs)
	}
	return r
}

func (s *Server) handleHelo(arg string) *Reply {
	s.ehloAs = strings.TrimSpace(arg)
	s.extended = false
	s.resetTransaction()
	if s.ehloAs == "" {
		return BadArguments()
	}
	r := NewReply("250", fmt.Sprintf("%s Hello %s", s.cfg.Hostname, s.ehloAs))
	if s.handlers.Helo != nil {
		s.handlers.Helo(r, s.ehloAs)
	}
	return r
}

// handleStartTLS performs the STARTTLS exchange itself (rather than
// returning a reply for the dispatcher to send) because the 220 reply
// must be flushed before the in-place TLS handshake begins.
func (s *Server) handleStartTLS(arg string) (done bool, err error) {
	var r *Reply
	switch {
	case s.cfg.TLSConfig == nil:
		r = UnknownCommand()
	case s.io.Encrypted():
		r = BadSequence()
	case arg != "":
		r = UnknownParameter()
	default:
		r = NewReply("220", "2.0.0 Ready to start TLS")
	}
	if s.handlers.StartTLS != nil {
		s.handlers.StartTLS(r)
	}
	s.io.SendReply(r)
	if err := s.io.FlushSend(); err != nil {
		return false, err
	}
	if r.Code() != "220" {
		return false, nil
	}
	if !s.io.EncryptServer(s.cfg.TLSConfig) {
		return false, ErrConnectionLost
	}
	s.ehloAs = ""
	s.authed = ""
	s.resetTransaction()
	return false, nil
}

func (s *Server) handleAuth(arg string) *Reply {
	if s.ehloAs == "" || s.authed != "" || s.haveMailFrom {
		return BadSequence()
	}
	fields := strings.SplitN(strings.TrimSpace(arg), " ", 2)
	if len(fields) == 0 || fields[0] == "" {
		return BadArguments()
	}
	mechName := strings.ToUpper(fields[0])
	initial := ""
	if len(fields) == 2 {
		initial = fields[1]
	}
	var mech auth.ServerMechanism
	for _, m := range s.authMechs {
		if m.Name() == mechName {
			mech = m
			break
		}
	}
	if mech == nil {
		r := NewReply("504", "5.5.4 Invalid authentication mechanism")
		return r
	}
	if !mech.Secure() && !s.io.Encrypted() && !s.cfg.AllowInsecureAuth {
		return NewReply("504", "5.5.4 Invalid authentication mechanism")
	}
	cb := auth.ServerCallbacks{
		VerifySecret: s.handlers.VerifySecret,
		GetSecret:    s.handlers.GetSecret,
	}
	identity, err := mech.ServerAttempt(&serverAuthTransport{io: s.io}, initial, cb)
	if err != nil {
		if ae, ok := err.(*auth.ServerAuthError); ok {
			return NewReply(ae.Code, ae.Message)
		}
		return UnhandledError()
	}
	s.authed = identity
	r := NewReply("235", "2.7.0 Authentication successful")
	if s.handlers.Auth != nil {
		s.handlers.Auth(r, identity)
	}
	return r
}

// serverAuthTransport adapts IO to auth.Transport.
type serverAuthTransport struct{ io *IO }

func (t *serverAuthTransport) WriteChallenge(b64 string) error {
	t.io.BufferedSend([]byte("334 " + b64 + "\r\n"))
	return t.io.FlushSend()
}

func (t *serverAuthTransport) ReadResponse() (string, error) {
	return t.io.RecvLine()
}

func (s *Server) handleMailFrom(arg string) *Reply {
	if s.haveMailFrom {
		return BadSequence()
	}
	if s.cfg.RequireAuth && s.authed == "" {
		return NewReply("530", "5.7.0 Authentication required")
	}
	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		return BadArguments()
	}
	addr, rest, ok := findAddrBracket(arg[len("FROM:"):])
	if !ok {
		return BadArguments()
	}
	params := parseParams(rest)
	if size, present, valid := parseSize(params); present {
		if !valid {
			return BadArguments()
		}
		if s.cfg.MaxSize <= 0 {
			return UnknownParameter()
		}
		if size > s.cfg.MaxSize {
			return NewReply("552", "5.3.4 Message size exceeds fixed limit")
		}
	}
	r := NewReply("250", "2.1.0 Sender "+addr+" OK")
	if s.handlers.MailFrom != nil {
		s.handlers.MailFrom(r, addr, params)
	}
	if !r.IsError() {
		s.mailFrom = addr
		s.mailParams = params
		s.haveMailFrom = true
	}
	return r
}

func (s *Server) handleRcptTo(arg string) *Reply {
	if !s.haveMailFrom {
		return BadSequence()
	}
	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		return BadArguments()
	}
	addr, rest, ok := findAddrBracket(arg[len("TO:"):])
	if !ok {
		return BadArguments()
	}
	params := parseParams(rest)
	r := NewReply("250", "2.1.5 Recipient "+addr+" OK")
	if s.handlers.RcptTo != nil {
		s.handlers.RcptTo(r, addr, params)
	}
	if !r.IsError() {
		s.rcptTo = append(s.rcptTo, addr)
	}
	return r
}

// handleData reads the message body, invokes the Data handler, and (for
// LMTP) sends one reply per recipient instead of a single reply; the
// dispatcher's normal single-reply send is bypassed, so handleData does
// its own I/O and returns done=false itself.
func (s *Server) handleData() (done bool, err error) {
	if !s.haveMailFrom || len(s.rcptTo) == 0 {
		s.io.SendReply(BadSequence())
		return false, s.io.FlushSend()
	}
	s.io.SendReply(NewReply("354", "Start mail input; end with <CRLF>.<CRLF>"))
	if err := s.io.FlushSend(); err != nil {
		return false, err
	}
	reader := NewDataReader(s.io, s.cfg.MaxSize)
	data, derr := reader.Recv()
	if derr != nil && derr != ErrMessageTooBig {
		return false, derr
	}

	if derr == ErrMessageTooBig {
		s.io.SendReply(NewReply("552", "5.3.4 Message size exceeds fixed limit"))
		s.resetTransaction()
		return false, s.io.FlushSend()
	}

	if s.lmtp {
		var replies []*Reply
		if s.handlers.LMTPData != nil {
			replies = s.handlers.LMTPData(data, s.rcptTo)
		}
		if len(replies) != len(s.rcptTo) {
			fallback := NewReply("250", "2.6.0 Message accepted for delivery")
			if s.handlers.Data != nil {
				s.handlers.Data(fallback, data)
			}
			replies = make([]*Reply, len(s.rcptTo))
			for i := range replies {
				replies[i] = fallback
			}
		}
		for _, r := range replies {
			s.io.SendReply(r)
		}
	} else {
		r := NewReply("250", "2.6.0 Message accepted for delivery")
		if s.handlers.Data != nil {
			s.handlers.Data(r, data)
		}
		s.io.SendReply(r)
	}
	s.resetTransaction()
	return false, s.io.FlushSend()
}

func (s *Server) handleRset() *Reply {
	s.resetTransaction()
	r := NewReply("250", "2.0.0 OK")
	if s.handlers.Rset != nil {
		s.handlers.Rset(r)
	}
	return r
}

func (s *Server) handleNoop() *Reply {
	r := NewReply("250", "2.0.0 OK")
	if s.handlers.Noop != nil {
		s.handlers.Noop(r)
	}
	return r
}

func (s *Server) handleQuit() *Reply {
	r := NewReply("221", fmt.Sprintf("2.0.0 %s closing connection", s.cfg.Hostname))
	if s.handlers.Quit != nil {
		s.handlers.Quit(r)
	}
	return r
}

func (s *Server) resetTransaction() {
	s.mailFrom = ""
	s.mailParams = nil
	s.rcptTo = nil
	s.haveMailFrom = false
}
