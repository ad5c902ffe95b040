package vaultcli

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"runtime"
	"strconv"
	"strings"

	"github.com/warpdl/warpvault/common"
)

// DaemonURI is a parsed daemon address.
type DaemonURI struct {
	Scheme  string // "unix", "tcp" or "pipe"
	Address string
}

const (
	SchemeUnix = "unix"
	SchemeTCP  = "tcp"
	SchemePipe = "pipe"
)

var (
	ErrEmptyURI          = errors.New("daemon URI cannot be empty")
	ErrUnsupportedScheme = errors.New("unsupported URI scheme")
	ErrInvalidPath       = errors.New("invalid path in URI")
	ErrPipeNotSupported  = errors.New("pipe:// scheme only supported on Windows")
	ErrUnixNotSupported  = errors.New("unix:// scheme not supported on Windows")
)

// ParseDaemonURI parses unix:///path, tcp://host[:port], http://host[:port]
// or pipe://name. A TCP address without a port gets common.DEF_RPC_PORT.
func ParseDaemonURI(raw string) (*DaemonURI, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyURI
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	switch strings.ToLower(u.Scheme) {
	case SchemeUnix:
		return parseUnixURI(u)
	case SchemeTCP, "http":
		return parseTCPURI(u)
	case SchemePipe:
		return parsePipeURI(u)
	default:
		return nil, ErrUnsupportedScheme
	}
}

func parseUnixURI(u *url.URL) (*DaemonURI, error) {
	if runtime.GOOS == "windows" {
		return nil, ErrUnixNotSupported
	}
	// unix://relative/path puts "relative" in Host
	if u.Host != "" || !strings.HasPrefix(u.Path, "/") {
		return nil, ErrInvalidPath
	}
	return &DaemonURI{Scheme: SchemeUnix, Address: u.Path}, nil
}

func parseTCPURI(u *url.URL) (*DaemonURI, error) {
	if u.Host == "" {
		return nil, ErrInvalidPath
	}
	host, port := u.Hostname(), u.Port()
	if host == "" {
		return nil, ErrInvalidPath
	}
	if port == "" {
		return &DaemonURI{Scheme: SchemeTCP, Address: net.JoinHostPort(host, strconv.Itoa(common.DEF_RPC_PORT))}, nil
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return nil, fmt.Errorf("%w: invalid port %q", ErrInvalidPath, port)
	}
	return &DaemonURI{Scheme: SchemeTCP, Address: net.JoinHostPort(host, port)}, nil
}

func parsePipeURI(u *url.URL) (*DaemonURI, error) {
	if runtime.GOOS != "windows" {
		return nil, ErrPipeNotSupported
	}
	if u.Host == "" {
		return nil, ErrInvalidPath
	}
	if strings.HasPrefix(u.Host, `\\.\pipe\`) {
		return &DaemonURI{Scheme: SchemePipe, Address: u.Host}, nil
	}
	return &DaemonURI{Scheme: SchemePipe, Address: `\\.\pipe\` + u.Host}, nil
}
