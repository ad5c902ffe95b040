// Package server exposes the backup engine over JSON-RPC 2.0: HTTP requests
// on /jsonrpc and a WebSocket session with push notifications on
// /jsonrpc/ws. The local socket (named pipe on Windows) is trusted through
// its file permissions; the optional TCP listener requires a bearer token.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/warpdl/warpvault/common"
	"github.com/warpdl/warpvault/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	DEF_SHUTDOWN_TIMEOUT    = 5 * time.Second
	DEF_READ_HEADER_TIMEOUT = 10 * time.Second
)

// Config configures the RPC server.
type Config struct {
	// Secret is the bearer token of the TCP listener. Empty disables it.
	Secret string
	// Listen is an optional TCP address.
	Listen string
	// Socket is the Unix socket path. Ignored on Windows.
	Socket    string
	RateLimit float64
	RateBurst int
	Version   string
	Commit    string
	BuildType string
	Debug     bool
}

// Server serves the RPC handler on the local socket and, when configured,
// on TCP.
type Server struct {
	cfg      Config
	log      logger.Logger
	rpc      *RPCServer
	notifier *RPCNotifier
	upgrades *rate.Limiter

	mu        sync.Mutex
	servers   []*http.Server
	socket    string
	closeOnce sync.Once
}

// New creates a server over svc.
func New(cfg Config, svc Services, l logger.Logger) *Server {
	if l == nil {
		l = logger.NewNopLogger()
	}
	n := NewRPCNotifier(l)
	return &Server{
		cfg:      cfg,
		log:      l,
		rpc:      NewRPCServer(cfg, svc, n, l),
		notifier: n,
		upgrades: newLimiter(cfg.RateLimit, cfg.RateBurst),
	}
}

// Notifier returns the push notifier of the server.
func (s *Server) Notifier() *RPCNotifier {
	return s.notifier
}

// handler mounts the JSON-RPC endpoints. authenticate wraps them in bearer
// token checks.
func (s *Server) handler(authenticate bool) http.Handler {
	var rpcH http.Handler = s.rpc
	var wsH http.Handler = limitUpgrades(s.upgrades, http.HandlerFunc(s.rpc.serveWS))
	if authenticate {
		rpcH = requireToken(s.cfg.Secret, rpcH)
		wsH = requireToken(s.cfg.Secret, wsH)
	}
	mux := http.NewServeMux()
	mux.Handle(common.RPCPath, rpcH)
	mux.Handle(common.RPCWSPath, wsH)
	return mux
}

func (s *Server) serve(l net.Listener, h http.Handler, errc chan<- error) {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: DEF_READ_HEADER_TIMEOUT}
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("serve %s: %w", l.Addr(), err)
		}
	}()
}

// Start listens and blocks until ctx is cancelled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	local, trusted, err := s.createListener()
	if err != nil {
		return err
	}
	errc := make(chan error, 2)
	s.serve(local, s.handler(!trusted), errc)
	s.log.Info("rpc listening on %s", local.Addr())

	switch {
	case s.cfg.Listen == "":
	case s.cfg.Secret == "":
		s.log.Warning("rpc: TCP listener %s disabled, no secret configured", s.cfg.Listen)
	default:
		tl, err := net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
		}
		s.serve(tl, s.handler(true), errc)
		s.log.Info("rpc listening on tcp %s", tl.Addr())
	}

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errc:
		_ = s.Shutdown()
		return err
	}
}

// Shutdown stops the listeners, ends WebSocket sessions and removes the
// socket file.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	socket := s.socket
	s.socket = ""
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DEF_SHUTDOWN_TIMEOUT)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Warning("rpc shutdown: %v", err)
		}
	}
	// hijacked WebSocket connections are not tracked by http.Server
	s.notifier.Close()
	s.closeOnce.Do(func() {
		if err := s.rpc.Close(); err != nil {
			s.log.Warning("rpc bridge close: %v", err)
		}
	})
	if socket != "" {
		if err := cleanupSocket(socket); err != nil {
			s.log.Warning("remove socket %s: %v", socket, err)
		}
	}
	return nil
}

// tcpFallback listens on the loopback port used when the local socket
// cannot be created. It always requires the bearer token.
func (s *Server) tcpFallback(cause error) (net.Listener, bool, error) {
	s.log.Warning("local socket unavailable: %v", cause)
	if s.cfg.Secret == "" {
		return nil, false, fmt.Errorf("local socket: %w", cause)
	}
	addr := fmt.Sprintf("%s:%d", common.TCPHost, common.DEF_RPC_PORT)
	s.log.Warning("falling back to tcp %s", addr)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("error listening: %w", err)
	}
	return l, false, nil
}
