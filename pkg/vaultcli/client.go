// Package vaultcli is the JSON-RPC client of the warpvault daemon.
package vaultcli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/warpdl/warpvault/common"
)

// localBase is the URL host of connections the client dials itself.
const localBase = "http://warpvault"

// Options selects the daemon. Zero values fall back to the
// WARPVAULT_RPC_URL and WARPVAULT_RPC_SECRET environment variables and
// then to the local socket or named pipe.
type Options struct {
	URL    string
	Secret string
}

// Client talks to one daemon. It is safe for concurrent use.
type Client struct {
	http *http.Client
	rpc  *jrpc2.Client
}

// NewClient prepares a client. No connection is made until the first call.
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		opts.URL = os.Getenv(common.RPCURLEnv)
	}
	if opts.Secret == "" {
		opts.Secret = os.Getenv(common.RPCSecretEnv)
	}
	var uri *DaemonURI
	if opts.URL != "" {
		var err error
		if uri, err = ParseDaemonURI(opts.URL); err != nil {
			return nil, err
		}
	}
	dial := dialer(uri)
	hc := &http.Client{Transport: &bearer{
		secret: opts.Secret,
		next: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dial(ctx)
			},
		},
	}}
	ch := jhttp.NewChannel(localBase+common.RPCPath, &jhttp.ChannelOptions{Client: hc})
	return &Client{http: hc, rpc: jrpc2.NewClient(ch, nil)}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	err := c.rpc.Close()
	c.http.CloseIdleConnections()
	return err
}

func call[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var out T
	err := c.rpc.CallResult(ctx, method, params, &out)
	return out, err
}

// ErrorCode returns the JSON-RPC error code of err, or 0 when err did not
// come from the daemon.
func ErrorCode(err error) int {
	var e *jrpc2.Error
	if errors.As(err, &e) {
		return int(e.Code)
	}
	return 0
}

// bearer adds the token to every request when one is configured.
type bearer struct {
	secret string
	next   http.RoundTripper
}

func (b *bearer) RoundTrip(r *http.Request) (*http.Response, error) {
	if b.secret == "" {
		return b.next.RoundTrip(r)
	}
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+b.secret)
	return b.next.RoundTrip(r)
}
