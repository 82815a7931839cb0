package entity

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// ProxyType is the egress protocol of a proxy.
type ProxyType string

const (
	ProxyHTTP   ProxyType = "HTTP"
	ProxyHTTPS  ProxyType = "HTTPS"
	ProxySOCKS4 ProxyType = "SOCKS4"
	ProxySOCKS5 ProxyType = "SOCKS5"
)

// Valid reports whether t is a known proxy type.
func (t ProxyType) Valid() bool {
	switch t {
	case ProxyHTTP, ProxyHTTPS, ProxySOCKS4, ProxySOCKS5:
		return true
	}
	return false
}

// Proxy mirrors the `proxy_configurations` table. Rows are deactivated,
// never deleted.
type Proxy struct {
	ID                  int64
	Host                string
	Port                int
	Type                ProxyType
	Username            string
	Password            string
	TimeoutSeconds      int
	MaxRetries          int
	Active              bool
	SuccessCount        int64
	FailureCount        int64
	ConsecutiveFailures int64
	LastTestedAt        *time.Time
	LastLatencyMs       *int64
	CreatedAt           time.Time
}

// Address returns host:port.
func (p *Proxy) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL returns the proxy as a URL with credentials, suitable for http.ProxyURL.
func (p *Proxy) URL() *url.URL {
	scheme := "http"
	switch p.Type {
	case ProxyHTTPS:
		scheme = "https"
	case ProxySOCKS4:
		scheme = "socks4"
	case ProxySOCKS5:
		scheme = "socks5"
	}
	u := &url.URL{Scheme: scheme, Host: p.Address()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// HasCredentials reports whether the proxy needs authentication.
func (p *Proxy) HasCredentials() bool {
	return p.Username != ""
}

// Timeout returns the per-request timeout, or fallback when unset.
func (p *Proxy) Timeout(fallback time.Duration) time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return fallback
}

func (p *Proxy) String() string {
	return fmt.Sprintf("%s#%d(%s)", p.Type, p.ID, p.Address())
}

// ProxyPoolStats summarizes the pool.
type ProxyPoolStats struct {
	Active         int               `json:"active"`
	Eligible       int               `json:"eligible"`
	Excluded       int               `json:"excluded"`
	TotalSuccesses int64             `json:"total_successes"`
	TotalFailures  int64             `json:"total_failures"`
	SuccessRate    float64           `json:"success_rate"`
	AvgLatencyMs   float64           `json:"avg_latency_ms"`
	ByType         map[ProxyType]int `json:"by_type"`
	GeneratedAt    time.Time         `json:"generated_at"`
}
