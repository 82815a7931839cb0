package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"
	"h12.io/socks"

	"github.com/user/price-scraper-service/internal/entity"
)

// RoundTripperProvider returns the transport that sends requests through a
// proxy, or directly when the proxy is nil.
type RoundTripperProvider interface {
	RoundTripper(p *entity.Proxy) (http.RoundTripper, error)
}

// NewTransport builds an http.Transport that connects through p. This is the
// only place that branches on the proxy type.
func NewTransport(p *entity.Proxy, dialTimeout time.Duration) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   dialTimeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	if p == nil {
		return t, nil
	}

	switch p.Type {
	case entity.ProxyHTTP, entity.ProxyHTTPS:
		t.Proxy = http.ProxyURL(p.URL())
	case entity.ProxySOCKS5:
		var auth *xproxy.Auth
		if p.Username != "" {
			auth = &xproxy.Auth{User: p.Username, Password: p.Password}
		}
		d, err := xproxy.SOCKS5("tcp", p.Address(), auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer for %s: %w", p, err)
		}
		if cd, ok := d.(xproxy.ContextDialer); ok {
			t.DialContext = cd.DialContext
		} else {
			t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return d.Dial(network, addr)
			}
		}
		t.ForceAttemptHTTP2 = false
	case entity.ProxySOCKS4:
		uri := fmt.Sprintf("socks4://%s?timeout=%s", p.Address(), dialTimeout)
		if p.Username != "" {
			uri = fmt.Sprintf("socks4://%s@%s?timeout=%s", p.Username, p.Address(), dialTimeout)
		}
		dial := socks.Dial(uri)
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return dial(network, addr)
		}
		t.ForceAttemptHTTP2 = false
	default:
		return nil, fmt.Errorf("unsupported proxy type %q for proxy %d", p.Type, p.ID)
	}
	return t, nil
}

// TransportFactory caches one transport per proxy endpoint so connections
// are reused across requests.
type TransportFactory struct {
	dialTimeout time.Duration

	mu         sync.Mutex
	direct     *http.Transport
	transports map[string]*http.Transport
}

// NewTransportFactory creates a TransportFactory.
func NewTransportFactory(dialTimeout time.Duration) *TransportFactory {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &TransportFactory{dialTimeout: dialTimeout, transports: make(map[string]*http.Transport)}
}

func (f *TransportFactory) RoundTripper(p *entity.Proxy) (http.RoundTripper, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p == nil {
		if f.direct == nil {
			t, err := NewTransport(nil, f.dialTimeout)
			if err != nil {
				return nil, err
			}
			f.direct = t
		}
		return f.direct, nil
	}

	key := string(p.Type) + "|" + p.URL().String()
	if t, ok := f.transports[key]; ok {
		return t, nil
	}
	t, err := NewTransport(p, f.dialTimeout)
	if err != nil {
		return nil, err
	}
	f.transports[key] = t
	return t, nil
}

// CloseIdle closes idle connections of every cached transport.
func (f *TransportFactory) CloseIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.direct != nil {
		f.direct.CloseIdleConnections()
	}
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}
