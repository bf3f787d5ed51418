package relay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/slimta/slimta-go/internal/envelope"
)

// NoDomainError is returned when a recipient address has no domain part,
// i.e. it contains no "@" or nothing follows its last "@". Quoted local
// parts are not treated specially. Grounded on
// original_source/slimta/relay/smtp/mx.py's NoDomainError.
type NoDomainError struct {
	Recipient string
}

func (e *NoDomainError) Error() string {
	return "recipient address has no domain: " + e.Recipient
}

// mxRecord is an expiring cache entry for one domain's MX answer, sorted by
// preference. Grounded on mx.py's MxRecord.
type mxRecord struct {
	mu      sync.Mutex
	hosts   []string // sorted by preference, lowest first
	expires time.Time
}

func (r *mxRecord) get(resolve func() ([]string, time.Duration, error)) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.expires.After(time.Now()) && len(r.hosts) > 0 {
		return r.hosts, nil
	}
	hosts, ttl, err := resolve()
	if err != nil {
		return nil, err
	}
	r.hosts = hosts
	r.expires = time.Now().Add(ttl)
	return hosts, nil
}

// DNSResolver is the subset of DNS behavior MxSmtpRelay needs: an MX
// lookup with a TTL, falling back to the domain's own A/AAAA name per RFC
// 5321 when no MX records exist. Grounded on teacher internal/engine/dns.go
// (github.com/miekg/dns), generalized from its broader verification-record
// API down to the single LookupMX operation MX-based relaying requires.
type DNSResolver struct {
	Nameserver string
	Timeout    time.Duration
}

// NewDNSResolver builds a resolver against nameserver ("host:port"); an
// empty nameserver falls back to /etc/resolv.conf, then to 8.8.8.8:53.
func NewDNSResolver(nameserver string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if nameserver == "" {
		nameserver = systemResolver()
	}
	if !strings.Contains(nameserver, ":") {
		nameserver += ":53"
	}
	return &DNSResolver{Nameserver: nameserver, Timeout: timeout}
}

func systemResolver() string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err == nil && len(cfg.Servers) > 0 {
		return cfg.Servers[0] + ":53"
	}
	return "8.8.8.8:53"
}

// LookupMX resolves domain's MX records, sorted ascending by preference,
// and a TTL equal to the smallest TTL among the records (one minute when
// that is zero). Falls back to a synthetic single record pointing at domain
// itself, with a five-minute TTL, when no MX records exist, per RFC 5321
// section 5.1.
func (r *DNSResolver) LookupMX(domain string) ([]string, time.Duration, error) {
	c := &dns.Client{Timeout: r.Timeout}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	m.RecursionDesired = true

	reply, _, err := c.Exchange(m, r.Nameserver)
	if err != nil {
		return nil, 0, fmt.Errorf("MX lookup for %s: %w", domain, err)
	}

	type pref struct {
		host string
		pref uint16
		ttl  uint32
	}
	var recs []pref
	for _, ans := range reply.Answer {
		if mx, ok := ans.(*dns.MX); ok {
			recs = append(recs, pref{strings.TrimSuffix(mx.Mx, "."), mx.Preference, mx.Hdr.Ttl})
		}
	}
	if len(recs) == 0 {
		return []string{domain}, 5 * time.Minute, nil
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].pref < recs[j].pref })

	hosts := make([]string, len(recs))
	minTTL := recs[0].ttl
	for i, rec := range recs {
		hosts[i] = rec.host
		if rec.ttl < minTTL {
			minTTL = rec.ttl
		}
	}
	ttl := time.Duration(minTTL) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	return hosts, ttl, nil
}

// MxSmtpRelay delivers messages based on the MX records of their
// recipients' domain, caching resolved records per-domain and maintaining
// one StaticSmtpRelay per distinct (host, port) destination. Grounded on
// original_source/slimta/relay/smtp/mx.py's MxSmtpRelay.
type MxSmtpRelay struct {
	Base

	resolver  *DNSResolver
	port      int
	lmtp      bool
	newConfig func() ClientConfig
	poolSize  int

	mu        sync.Mutex
	records   map[string]*mxRecord
	forceMX   map[string]string
	relayers  map[string]*StaticSmtpRelay
	breaker   *CircuitBreaker
}

// NewMxSmtpRelay builds an MX-driven relay. port is the delivery port used
// for every resolved destination (25 for SMTP relaying). breaker may be nil
// to disable circuit breaking.
func NewMxSmtpRelay(resolver *DNSResolver, port, poolSize int, lmtp bool, configFn func() ClientConfig, breaker *CircuitBreaker) *MxSmtpRelay {
	return &MxSmtpRelay{
		resolver:  resolver,
		port:      port,
		lmtp:      lmtp,
		newConfig: configFn,
		poolSize:  poolSize,
		records:   make(map[string]*mxRecord),
		forceMX:   make(map[string]string),
		relayers:  make(map[string]*StaticSmtpRelay),
		breaker:   breaker,
	}
}

// ForceMX pins domain to always resolve to destination, bypassing MX
// lookups. Grounded on MxSmtpRelay.force_mx.
func (m *MxSmtpRelay) ForceMX(domain, destination string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceMX[strings.ToLower(domain)] = destination
}

func rcptDomain(env *envelope.Envelope) (string, error) {
	if len(env.Recipients) == 0 {
		return "", &NoDomainError{Recipient: ""}
	}
	rcpt := env.Recipients[0]
	at := strings.LastIndexByte(rcpt, '@')
	if at < 0 || at == len(rcpt)-1 {
		return "", &NoDomainError{Recipient: rcpt}
	}
	return strings.ToLower(rcpt[at+1:]), nil
}

// ChooseMX cycles through records by attempt count, the same round-robin
// policy as mx.py's MxSmtpRelay.choose_mx. It is a package function that
// MxSmtpRelay always uses; the selection strategy cannot be replaced per
// relay.
func ChooseMX(hosts []string, attempts int) string {
	if len(hosts) == 0 {
		return ""
	}
	return hosts[attempts%len(hosts)]
}

func (m *MxSmtpRelay) destinationFor(domain string, attempts int) (string, error) {
	m.mu.Lock()
	if dest, ok := m.forceMX[domain]; ok {
		m.mu.Unlock()
		return dest, nil
	}
	rec, ok := m.records[domain]
	if !ok {
		rec = &mxRecord{}
		m.records[domain] = rec
	}
	m.mu.Unlock()

	hosts, err := rec.get(func() ([]string, time.Duration, error) {
		return m.resolver.LookupMX(domain)
	})
	if err != nil {
		return "", NewTransientRelayError("MX lookup failed: "+err.Error(), nil)
	}
	return ChooseMX(hosts, attempts), nil
}

func (m *MxSmtpRelay) relayFor(dest string) *StaticSmtpRelay {
	key := fmt.Sprintf("%s:%d", dest, m.port)
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.relayers[key]; ok {
		return r
	}
	r := NewStaticSmtpRelay(key, m.poolSize, m.lmtp, m.newConfig)
	r.Policies = m.Policies
	m.relayers[key] = r
	return r
}

// Attempt resolves the recipient domain's MX records (or the forced
// destination), picks a host, and delegates to that host's
// StaticSmtpRelay. Grounded on MxSmtpRelay.attempt.
func (m *MxSmtpRelay) Attempt(ctx context.Context, env *envelope.Envelope, attempts int) ([]RecipientResult, error) {
	domain, err := rcptDomain(env)
	if err != nil {
		return nil, NewPermanentRelayError(err.Error(), nil)
	}
	dest, err := m.destinationFor(domain, attempts)
	if err != nil {
		return nil, err
	}
	breakerKey := fmt.Sprintf("%s:%d", dest, m.port)
	if m.breaker != nil && !m.breaker.Allow(breakerKey) {
		return nil, NewTransientRelayError("circuit open for "+breakerKey, nil)
	}
	relayer := m.relayFor(dest)
	results, err := relayer.Attempt(ctx, env, attempts)
	if m.breaker != nil {
		if err != nil {
			m.breaker.RecordFailure(breakerKey)
		} else {
			m.breaker.RecordSuccess(breakerKey)
		}
	}
	return results, err
}

// Close tears down every per-destination StaticSmtpRelay.
func (m *MxSmtpRelay) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.relayers {
		r.Close()
	}
}

// InFlight sums InFlight across every per-destination StaticSmtpRelay,
// satisfying PoolStater.
func (m *MxSmtpRelay) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.relayers {
		n += r.InFlight()
	}
	return n
}
