package proxy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Dialer produces connections either directly or through a pool endpoint.
type Dialer struct {
	timeout time.Duration
}

// NewDialer builds a dialer with a per-connection timeout.
func NewDialer(timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dialer{timeout: timeout}
}

// Direct returns a plain TCP dial function.
func (d *Dialer) Direct() DialFunc {
	nd := &net.Dialer{Timeout: d.timeout}
	return nd.DialContext
}

// Via returns a dial function that tunnels through the endpoint's SOCKS5
// address. Endpoint addresses are socks5://host:port, optionally with
// user:pass credentials; a bare host:port is treated as socks5.
func (d *Dialer) Via(ep *Endpoint) (DialFunc, error) {
	if ep == nil {
		return d.Direct(), nil
	}
	addr := ep.Address
	var auth *xproxy.Auth
	if u, err := url.Parse(addr); err == nil && u.Scheme != "" {
		switch u.Scheme {
		case "socks5", "socks5h":
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
		if u.User != nil {
			pw, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: pw}
		}
		addr = u.Host
	}
	forward := &net.Dialer{Timeout: d.timeout}
	sd, err := xproxy.SOCKS5("tcp", addr, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer for %s: %w", addr, err)
	}
	if cd, ok := sd.(xproxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(ctx context.Context, network, target string) (net.Conn, error) {
		return sd.Dial(network, target)
	}, nil
}
