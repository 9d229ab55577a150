package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/kursadbilgin/domain-engine/internal/domain"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const (
	defaultTimeout     = 5 * time.Second
	resolvConfPath     = "/etc/resolv.conf"
	fallbackNameserver = "1.1.1.1:53"
)

var ErrNoAnswer = errors.New("no address records")

// Checker reports whether a domain points at this deployment.
type Checker interface {
	Verify(ctx context.Context, name string) bool
	Lookup(ctx context.Context, name string) ([]string, error)
}

var _ Checker = (*Verifier)(nil)

// Verifier resolves A records with miekg/dns and compares them against the server address.
type Verifier struct {
	serverIP    string
	nameservers []string
	client      *dns.Client
	logger      *zap.Logger
}

type Option func(*Verifier)

// WithNameservers overrides the resolv.conf servers. Entries without a port use 53.
func WithNameservers(servers ...string) Option {
	return func(v *Verifier) {
		normalized := make([]string, 0, len(servers))
		for _, s := range servers {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, _, err := net.SplitHostPort(s); err != nil {
				s = net.JoinHostPort(s, "53")
			}
			normalized = append(normalized, s)
		}
		if len(normalized) > 0 {
			v.nameservers = normalized
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(v *Verifier) {
		if timeout > 0 {
			v.client.Timeout = timeout
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func NewVerifier(serverIP string, opts ...Option) (*Verifier, error) {
	ip := net.ParseIP(strings.TrimSpace(serverIP))
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("server ip %q is not an IPv4 address", serverIP)
	}

	v := &Verifier{
		serverIP: ip.To4().String(),
		client:   &dns.Client{Net: "udp", Timeout: defaultTimeout},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if len(v.nameservers) == 0 {
		v.nameservers = systemNameservers()
	}

	return v, nil
}

// Verify returns true iff the configured server address is among the A records
// of the bare domain. Resolution failures are a negative result.
func (v *Verifier) Verify(ctx context.Context, name string) bool {
	addrs, err := v.Lookup(ctx, name)
	if err != nil {
		v.logger.Debug("dns lookup failed",
			zap.String("domain", name),
			zap.Error(err),
		)
		return false
	}

	for _, addr := range addrs {
		if addr == v.serverIP {
			return true
		}
	}

	v.logger.Debug("dns does not point to server",
		zap.String("domain", name),
		zap.Strings("addresses", addrs),
		zap.String("expected", v.serverIP),
	)
	return false
}

// Lookup returns the A records of the bare domain, trying each nameserver in order.
func (v *Verifier) Lookup(ctx context.Context, name string) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	bare := domain.BareDomain(name)
	if bare == "" {
		return nil, fmt.Errorf("%w: domain is required", domain.ErrValidation)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(bare), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range v.nameservers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, _, err := v.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = fmt.Errorf("query %s: %w", server, err)
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%s: %s", bare, dns.RcodeToString[resp.Rcode])
		default:
			lastErr = fmt.Errorf("query %s: rcode %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}

		addrs := make([]string, 0, len(resp.Answer))
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				addrs = append(addrs, a.A.String())
			}
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("%s: %w", bare, ErrNoAnswer)
		}
		return addrs, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no nameservers configured")
	}
	return nil, lastErr
}

func systemNameservers() []string {
	conf, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil || len(conf.Servers) == 0 {
		return []string{fallbackNameserver}
	}

	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}
