package proxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/user/price-scraper-service/internal/entity"
)

func proxyFor(t *testing.T, srv *httptest.Server, typ entity.ProxyType) *entity.Proxy {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return &entity.Proxy{ID: 1, Host: host, Port: port, Type: typ, Active: true}
}

func TestHTTPProxyTransportForwardsThroughProxy(t *testing.T) {
	var seenURL string
	forward := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenURL = r.URL.String()
		_, _ = io.WriteString(w, "via proxy")
	}))
	defer forward.Close()

	tr, err := NewTransport(proxyFor(t, forward, entity.ProxyHTTP), time.Second)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	client := &http.Client{Transport: tr, Timeout: 2 * time.Second}

	resp, err := client.Get("http://shop.invalid/product/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if string(body) != "via proxy" {
		t.Fatalf("body = %q", body)
	}
	if seenURL != "http://shop.invalid/product/1" {
		t.Fatalf("proxy saw %q, want absolute target URL", seenURL)
	}
}

func TestNewTransportPerType(t *testing.T) {
	tests := []struct {
		typ     entity.ProxyType
		wantErr bool
	}{
		{entity.ProxyHTTP, false},
		{entity.ProxyHTTPS, false},
		{entity.ProxySOCKS4, false},
		{entity.ProxySOCKS5, false},
		{entity.ProxyType("FTP"), true},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			p := &entity.Proxy{ID: 9, Host: "127.0.0.1", Port: 1080, Type: tt.typ, Username: "u", Password: "p"}
			_, err := NewTransport(p, time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTransportFactoryCaches(t *testing.T) {
	f := NewTransportFactory(time.Second)
	p := &entity.Proxy{ID: 1, Host: "127.0.0.1", Port: 3128, Type: entity.ProxyHTTP}

	a, err := f.RoundTripper(p)
	if err != nil {
		t.Fatalf("round tripper: %v", err)
	}
	b, _ := f.RoundTripper(p)
	if a != b {
		t.Fatal("expected cached transport")
	}
	direct, _ := f.RoundTripper(nil)
	if direct == a {
		t.Fatal("direct transport must differ from proxy transport")
	}
}
