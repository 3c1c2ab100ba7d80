// Package dnsx is the gateway's south-side DNS client. All handler lookups
// go through the Resolver interface so tests can inject a MockResolver via
// the object store.
package dnsx

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/jawr/mailauth/internal/cache"
)

const udpPacketSize = 1240

// ErrNotFound marks an NXDOMAIN or empty answer; everything else is
// treated as a temporary failure.
var ErrNotFound = errors.New("dnsx: no records")

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

type Resolver interface {
	LookupPTR(ctx context.Context, ip net.IP) ([]string, error)
	LookupA(ctx context.Context, name string) ([]net.IP, error)
	LookupAAAA(ctx context.Context, name string) ([]net.IP, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// Client resolves against a fixed nameserver set with bounded retries and
// a TCP retry on truncation. Answers are cached with their TTL.
type Client struct {
	servers []string
	retry   int
	timeout time.Duration

	udp *dns.Client
	tcp *dns.Client

	cache *cache.Cache
}

// NewClient builds a resolver. servers entries may omit the port; retry
// and timeout of zero get the defaults (2, 8s).
func NewClient(servers []string, retry int, timeout time.Duration) (*Client, error) {
	if len(servers) == 0 {
		servers = []string{"127.0.0.1"}
	}
	for i, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			servers[i] = net.JoinHostPort(s, "53")
		}
	}
	if retry <= 0 {
		retry = 2
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	c, err := cache.NewCache()
	if err != nil {
		return nil, errors.WithMessage(err, "NewCache")
	}

	return &Client{
		servers: servers,
		retry:   retry,
		timeout: timeout,
		udp:     &dns.Client{Net: "udp", Timeout: timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
		cache:   c,
	}, nil
}

func (c *Client) exchange(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.SetEdns0(udpPacketSize, false)
	m.RecursionDesired = true

	var lastErr error
	for attempt := 0; attempt <= c.retry; attempt++ {
		for _, server := range c.servers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			in, _, err := c.udp.ExchangeContext(ctx, m, server)
			if err == nil && in.Truncated {
				in, _, err = c.tcp.ExchangeContext(ctx, m, server)
			}
			if err != nil {
				lastErr = errors.WithMessagef(err, "exchange %s", server)
				continue
			}

			switch in.Rcode {
			case dns.RcodeSuccess:
				if len(in.Answer) == 0 {
					return nil, ErrNotFound
				}
				return in.Answer, nil
			case dns.RcodeNameError:
				return nil, ErrNotFound
			default:
				lastErr = errors.Errorf("exchange %s: rcode %s", server, dns.RcodeToString[in.Rcode])
			}
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no nameservers")
	}
	return nil, lastErr
}

func (c *Client) LookupPTR(ctx context.Context, ip net.IP) ([]string, error) {
	key := ip.String()
	if v, ok := c.cache.Get("ptr", key); ok {
		return v.([]string), nil
	}

	rev, err := dns.ReverseAddr(key)
	if err != nil {
		return nil, errors.WithMessage(err, "ReverseAddr")
	}

	rrs, err := c.exchange(ctx, rev, dns.TypePTR)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, rr := range rrs {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}

	c.cache.SetWithTTL("ptr", key, names, ttlOf(rrs))
	return names, nil
}

func (c *Client) LookupA(ctx context.Context, name string) ([]net.IP, error) {
	return c.lookupIP(ctx, "a", name, dns.TypeA)
}

func (c *Client) LookupAAAA(ctx context.Context, name string) ([]net.IP, error) {
	return c.lookupIP(ctx, "aaaa", name, dns.TypeAAAA)
}

func (c *Client) lookupIP(ctx context.Context, ns, name string, qtype uint16) ([]net.IP, error) {
	if v, ok := c.cache.Get(ns, name); ok {
		return v.([]net.IP), nil
	}

	rrs, err := c.exchange(ctx, name, qtype)
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, rr := range rrs {
		switch a := rr.(type) {
		case *dns.A:
			ips = append(ips, a.A)
		case *dns.AAAA:
			ips = append(ips, a.AAAA)
		}
	}
	if len(ips) == 0 {
		return nil, ErrNotFound
	}

	c.cache.SetWithTTL(ns, name, ips, ttlOf(rrs))
	return ips, nil
}

func (c *Client) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if v, ok := c.cache.Get("txt", name); ok {
		return v.([]string), nil
	}

	rrs, err := c.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	var txts []string
	for _, rr := range rrs {
		if txt, ok := rr.(*dns.TXT); ok {
			txts = append(txts, strings.Join(txt.Txt, ""))
		}
	}
	if len(txts) == 0 {
		return nil, ErrNotFound
	}

	c.cache.SetWithTTL("txt", name, txts, ttlOf(rrs))
	return txts, nil
}

func (c *Client) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	if v, ok := c.cache.Get("mx", name); ok {
		return v.([]*net.MX), nil
	}

	rrs, err := c.exchange(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	var mxs []*net.MX
	for _, rr := range rrs {
		if mx, ok := rr.(*dns.MX); ok {
			mxs = append(mxs, &net.MX{Host: strings.TrimSuffix(mx.Mx, "."), Pref: mx.Preference})
		}
	}
	if len(mxs) == 0 {
		return nil, ErrNotFound
	}

	c.cache.SetWithTTL("mx", name, mxs, ttlOf(rrs))
	return mxs, nil
}

func ttlOf(rrs []dns.RR) time.Duration {
	ttl := cache.DefaultCacheTTL
	for _, rr := range rrs {
		d := time.Duration(rr.Header().Ttl) * time.Second
		if d > 0 && d < ttl {
			ttl = d
		}
	}
	return ttl
}
