package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/spf13/afero"
	"github.com/warpdl/warpvault/pkg/logger"
	"golang.org/x/net/proxy"
)

// DEF_DIAL_TIMEOUT bounds connection setup to a destination.
const DEF_DIAL_TIMEOUT = 30 * time.Second

// Secrets resolves the stored password of a destination.
type Secrets interface {
	Secret(destinationID string) (string, error)
}

// Options configures the transports of a Router.
type Options struct {
	// Secrets supplies passwords of destinations that require auth.
	Secrets Secrets
	// KnownHostsPath is the trust-on-first-use host key file for SFTP.
	KnownHostsPath string
	// SSHKeyPath is tried when a destination has no stored password.
	SSHKeyPath string
	// Proxy is an optional socks5:// proxy for SFTP and FTP connections.
	Proxy       string
	DialTimeout time.Duration
	// Fs backs dir:// destinations. Defaults to the OS filesystem.
	Fs afero.Fs
	// DICOM configures the storescu transport of dicom:// destinations.
	DICOM  StoreSCUOptions
	Logger logger.Logger
}

func (o *Options) applyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DEF_DIAL_TIMEOUT
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	if o.Logger == nil {
		o.Logger = logger.NewNopLogger()
	}
}

// netDialer dials TCP connections directly or through the configured
// SOCKS5 proxy.
type netDialer struct {
	d proxy.ContextDialer
}

func newNetDialer(proxyURL string, timeout time.Duration) (*netDialer, error) {
	direct := &net.Dialer{Timeout: timeout}
	if proxyURL == "" {
		return &netDialer{d: direct}, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("unsupported proxy scheme %q, expected socks5", u.Scheme)
	}
	pd, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, err
	}
	cd, ok := pd.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy dialer for %q does not support contexts", u.Scheme)
	}
	return &netDialer{d: cd}, nil
}

func (n *netDialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	return n.d.DialContext(ctx, "tcp", addr)
}
