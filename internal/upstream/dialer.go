package upstream

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// SocksConfig configures an optional SOCKS5 hop in front of upstream
// dials, adapted from the teacher's proxysocks package. One SocksConfig
// builds one DialFunc, which the proxy uses for every upstream
// connection, donation connections included.
type SocksConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// DialFunc dials one upstream TCP/TLS socket. The core (Connection,
// Pool) never constructs one itself — it is the "factory that dials
// upstream TCP/TLS sockets" the core consumes as an external
// collaborator.
type DialFunc func(host string, port int, useTLS, insecureSkipVerify bool) (net.Conn, error)

// NewDialFunc builds a DialFunc that optionally routes through a
// SOCKS5 proxy before completing the raw TCP or TLS handshake.
func NewDialFunc(socks SocksConfig, timeout time.Duration) (DialFunc, error) {
	base, err := newBaseDialer(socks)
	if err != nil {
		return nil, err
	}
	return func(host string, port int, useTLS, insecureSkipVerify bool) (net.Conn, error) {
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
		conn, err := base.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		if !useTLS {
			return conn, nil
		}
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: insecureSkipVerify,
		})
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}, nil
}

func newBaseDialer(cfg SocksConfig) (proxy.Dialer, error) {
	if !cfg.Enabled {
		return &net.Dialer{Timeout: 10 * time.Second}, nil
	}
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, fmt.Errorf("socks proxy host and port are required when enabled")
	}
	authURL := &url.URL{
		Scheme: "socks5",
		Host:   net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
	}
	if cfg.Username != "" {
		authURL.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	dialer, err := proxy.FromURL(authURL, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create socks proxy dialer: %w", err)
	}
	return dialer, nil
}
