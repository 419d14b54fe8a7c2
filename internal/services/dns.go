package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
)

// ErrNXDomain is returned when the queried name does not exist.
var ErrNXDomain = errors.New("no such domain (NXDOMAIN)")

var fallbackNameservers = []string{"1.1.1.1:53", "8.8.8.8:53"}

// TXTResolver looks up the values of TXT records at a name.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DNSClient queries recursive resolvers directly so that rcodes such as
// SERVFAIL and NXDOMAIN stay distinguishable in diagnostics.
type DNSClient struct {
	udp         *dns.Client
	tcp         *dns.Client
	nameservers []string
	timeout     time.Duration
	maxRetries  uint64
}

// NewDNSClient uses nameservers ("host" or "host:port"); when empty it reads
// /etc/resolv.conf and falls back to public resolvers.
func NewDNSClient(nameservers []string, timeout time.Duration) *DNSClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	servers := make([]string, 0, len(nameservers))
	for _, ns := range nameservers {
		servers = append(servers, withDefaultPort(ns))
	}
	if len(servers) == 0 {
		servers = systemNameservers()
	}

	return &DNSClient{
		udp:         &dns.Client{Net: "udp", Timeout: timeout},
		tcp:         &dns.Client{Net: "tcp", Timeout: timeout},
		nameservers: servers,
		timeout:     timeout,
		maxRetries:  2,
	}
}

func systemNameservers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return fallbackNameservers
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

func withDefaultPort(ns string) string {
	if _, _, err := net.SplitHostPort(ns); err == nil {
		return ns
	}
	return net.JoinHostPort(strings.Trim(ns, "[]"), "53")
}

// LookupTXT returns every TXT value at name, with multi-string records joined.
func (c *DNSClient) LookupTXT(ctx context.Context, name string) ([]string, error) {
	answers, err := c.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var values []string
	for _, rr := range answers {
		if txt, ok := rr.(*dns.TXT); ok {
			values = append(values, strings.Join(txt.Txt, ""))
		}
	}
	return values, nil
}

func (c *DNSClient) LookupA(ctx context.Context, name string) ([]string, error) {
	answers, err := c.query(ctx, name, dns.TypeA)
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, rr := range answers {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}

func (c *DNSClient) LookupAAAA(ctx context.Context, name string) ([]string, error) {
	answers, err := c.query(ctx, name, dns.TypeAAAA)
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, rr := range answers {
		if a, ok := rr.(*dns.AAAA); ok {
			ips = append(ips, a.AAAA.String())
		}
	}
	return ips, nil
}

func (c *DNSClient) LookupCNAME(ctx context.Context, name string) ([]string, error) {
	answers, err := c.query(ctx, name, dns.TypeCNAME)
	if err != nil {
		return nil, err
	}
	var targets []string
	for _, rr := range answers {
		if cname, ok := rr.(*dns.CNAME); ok {
			targets = append(targets, strings.TrimSuffix(cname.Target, "."))
		}
	}
	return targets, nil
}

// query asks each nameserver in turn, retrying transient failures with
// exponential backoff. The overall call is bounded by the client timeout.
func (c *DNSClient) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout*time.Duration(c.maxRetries+1))
	defer cancel()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var answers []dns.RR
	attempt := 0
	operation := func() error {
		server := c.nameservers[attempt%len(c.nameservers)]
		attempt++

		resp, err := c.exchange(ctx, msg, server)
		if err != nil {
			log.WithFields(log.Fields{"name": name, "server": server}).Debugf("dns query failed: %v", err)
			return err
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			answers = resp.Answer
			return nil
		case dns.RcodeNameError:
			return backoff.Permanent(ErrNXDomain)
		default:
			return fmt.Errorf("%s answered %s", server, dns.RcodeToString[resp.Rcode])
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("lookup %s %s: %w", dns.TypeToString[qtype], name, err)
	}
	return answers, nil
}

func (c *DNSClient) exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	resp, _, err := c.udp.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		resp, _, err = c.tcp.ExchangeContext(ctx, msg, server)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}
