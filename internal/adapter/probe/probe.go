// Package probe implements network.Prober against HTTP, TCP and ICMP
// endpoints.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/Strob0t/CrawlFleet/internal/port/network"
)

// HTTP probes a URL with a HEAD request. Any HTTP response counts as
// reachable; only transport errors and timeouts count as failures.
type HTTP struct {
	url    string
	client *http.Client
}

var _ network.Prober = (*HTTP)(nil)

// NewHTTP creates an HTTP probe. A nil client uses a dedicated transport
// without keep-alives, so every probe opens a fresh connection.
func NewHTTP(url string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{DisableKeepAlives: true, Proxy: http.ProxyFromEnvironment},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTP{url: url, client: client}
}

// Target returns the probed URL.
func (p *HTTP) Target() string { return p.url }

// Probe sends one HEAD request bounded by ctx.
func (p *HTTP) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.url, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// TCP probes a host:port by opening and closing a connection.
type TCP struct {
	addr   string
	dialer net.Dialer
}

var _ network.Prober = (*TCP)(nil)

// NewTCP creates a TCP probe for addr ("host:port").
func NewTCP(addr string) *TCP {
	return &TCP{addr: addr}
}

// Target returns the probed address.
func (p *TCP) Target() string { return p.addr }

// Probe dials the address bounded by ctx.
func (p *TCP) Probe(ctx context.Context) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.addr, err)
	}
	return conn.Close()
}

// defaultPingTimeout bounds an ICMP probe whose context has no deadline.
const defaultPingTimeout = time.Second

var errNoReply = errors.New("no echo reply")

// ICMP probes a host with a single echo request.
type ICMP struct {
	host       string
	privileged bool
}

var _ network.Prober = (*ICMP)(nil)

// NewICMP creates an ICMP probe for host. Raw sockets are used when the
// process runs as root (always on Windows); otherwise unprivileged UDP
// pings, which need net.ipv4.ping_group_range on Linux.
func NewICMP(host string) *ICMP {
	return &ICMP{host: host, privileged: runtime.GOOS == "windows" || os.Geteuid() == 0}
}

// Target returns the probed host.
func (p *ICMP) Target() string { return p.host }

// Probe sends one echo request and waits for the reply, bounded by ctx.
func (p *ICMP) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("probe %s: %w", p.host, err)
	}
	pinger, err := probing.NewPinger(p.host)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.host, err)
	}
	pinger.SetPrivileged(p.privileged)
	pinger.Count = 1
	pinger.Timeout = defaultPingTimeout
	if deadline, ok := ctx.Deadline(); ok {
		pinger.Timeout = time.Until(deadline)
	}

	if err := pinger.RunWithContext(ctx); err != nil {
		return fmt.Errorf("probe %s: %w", p.host, err)
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return fmt.Errorf("probe %s: %w", p.host, errNoReply)
	}
	return nil
}

// FromEndpoints builds probes from configured endpoints: URLs with an
// http(s) scheme become HTTP probes, "icmp://host" becomes an ICMP probe,
// "tcp://host:port" and bare host:port become TCP probes.
func FromEndpoints(endpoints []string) []network.Prober {
	probes := make([]network.Prober, 0, len(endpoints))
	for _, ep := range endpoints {
		switch {
		case strings.HasPrefix(ep, "http://"), strings.HasPrefix(ep, "https://"):
			probes = append(probes, NewHTTP(ep, nil))
		case strings.HasPrefix(ep, "icmp://"):
			probes = append(probes, NewICMP(strings.TrimPrefix(ep, "icmp://")))
		default:
			probes = append(probes, NewTCP(strings.TrimPrefix(ep, "tcp://")))
		}
	}
	return probes
}
