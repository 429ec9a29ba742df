package seleniumtest

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	socks5 "github.com/armon/go-socks5"
)

// addrRewriter sends every connection to the host of u, whatever address the
// client asked for.
type addrRewriter struct {
	u     *url.URL
	count *atomic.Int64
}

func (a *addrRewriter) Rewrite(ctx context.Context, _ *socks5.Request) (context.Context, *socks5.AddrSpec) {
	port, err := strconv.Atoi(a.u.Port())
	if err != nil {
		panic(err)
	}
	a.count.Add(1)
	return ctx, &socks5.AddrSpec{
		FQDN: a.u.Hostname(),
		Port: port,
	}
}

// localResolver skips name resolution, since every destination is rewritten
// anyway.
type localResolver struct{}

func (localResolver) Resolve(ctx context.Context, _ string) (context.Context, net.IP, error) {
	return ctx, net.IPv4(127, 0, 0, 1), nil
}

// SOCKSProxy is a SOCKS5 server that forwards every connection to one
// target.
type SOCKSProxy struct {
	// Addr is the host:port the proxy listens on.
	Addr  string
	conns atomic.Int64
}

// Connections returns the number of connections forwarded so far.
func (p *SOCKSProxy) Connections() int64 {
	return p.conns.Load()
}

// NewSOCKSProxy starts a SOCKS5 proxy forwarding to target, a URL. The proxy
// stops when the test ends.
func NewSOCKSProxy(t testing.TB, target string) *SOCKSProxy {
	u, err := url.Parse(target)
	if err != nil {
		t.Fatalf("url.Parse(%q) returned error: %v", target, err)
	}
	p := new(SOCKSProxy)
	socks, err := socks5.New(&socks5.Config{
		Resolver: localResolver{},
		Rewriter: &addrRewriter{u: u, count: &p.conns},
	})
	if err != nil {
		t.Fatalf("socks5.New(_) returned error: %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen(_, _) return error: %v", err)
	}
	p.Addr = l.Addr().String()

	// Serve until the listener is closed, without failing the test at that
	// point.
	done := make(chan struct{})
	go func() {
		defer close(done)
		socks.Serve(l)
	}()
	t.Cleanup(func() {
		l.Close()
		<-done
	})
	return p
}
