package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// NewHTTPClient returns a client with the given timeout, dialing through a
// SOCKS5 proxy when socksAddr is set.
func NewHTTPClient(socksAddr string, timeout time.Duration) (*http.Client, error) {
	client := &http.Client{Timeout: timeout}
	if strings.TrimSpace(socksAddr) == "" {
		return client, nil
	}

	dial, err := socksDialContext(socksAddr)
	if err != nil {
		return nil, err
	}
	client.Transport = &http.Transport{
		DialContext:         dial,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
	}
	return client, nil
}

// NewWebsocketDialer mirrors NewHTTPClient for websocket connections.
func NewWebsocketDialer(socksAddr string) (*websocket.Dialer, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}
	if strings.TrimSpace(socksAddr) == "" {
		return dialer, nil
	}

	dial, err := socksDialContext(socksAddr)
	if err != nil {
		return nil, err
	}
	dialer.Proxy = nil
	dialer.NetDialContext = dial
	return dialer, nil
}

type dialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func socksDialContext(socksAddr string) (dialContextFunc, error) {
	addr, auth, err := parseSocksAddr(socksAddr)
	if err != nil {
		return nil, err
	}

	dialer, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks proxy %s: %w", addr, err)
	}
	if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
		return contextDialer.DialContext, nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}, nil
}

// parseSocksAddr accepts host:port or socks5://[user:pass@]host:port.
func parseSocksAddr(raw string) (string, *proxy.Auth, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		if _, _, err := net.SplitHostPort(raw); err != nil {
			return "", nil, fmt.Errorf("invalid socks proxy address %q: %w", raw, err)
		}
		return raw, nil, nil
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("invalid socks proxy url: %w", err)
	}
	switch parsed.Scheme {
	case "socks5", "socks5h":
	default:
		return "", nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" || parsed.Port() == "" {
		return "", nil, errors.New("socks proxy url needs host and port")
	}

	var auth *proxy.Auth
	if parsed.User != nil {
		password, _ := parsed.User.Password()
		auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
	}
	return parsed.Host, auth, nil
}
