package server

import (
	"context"
	"sync"

	"github.com/creachadair/jrpc2"
	"github.com/warpdl/warpvault/common"
	"github.com/warpdl/warpvault/pkg/logger"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

// RPCNotifier maintains the set of connected WebSocket jrpc2 servers and
// broadcasts push notifications to all of them.
type RPCNotifier struct {
	mu      sync.RWMutex
	servers map[*jrpc2.Server]struct{}
	log     logger.Logger
}

// NewRPCNotifier creates a new notifier.
func NewRPCNotifier(l logger.Logger) *RPCNotifier {
	if l == nil {
		l = logger.NewNopLogger()
	}
	return &RPCNotifier{
		servers: make(map[*jrpc2.Server]struct{}),
		log:     l,
	}
}

// Register adds a server to the broadcast set.
func (n *RPCNotifier) Register(srv *jrpc2.Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[srv] = struct{}{}
}

// Unregister removes a server from the broadcast set.
func (n *RPCNotifier) Unregister(srv *jrpc2.Server) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.servers, srv)
}

// Broadcast sends a push notification to all registered servers. Servers
// that fail to receive are unregistered.
func (n *RPCNotifier) Broadcast(method string, params any) {
	n.mu.RLock()
	servers := make([]*jrpc2.Server, 0, len(n.servers))
	for srv := range n.servers {
		servers = append(servers, srv)
	}
	n.mu.RUnlock()

	var failed []*jrpc2.Server
	for _, srv := range servers {
		if err := srv.Notify(context.Background(), method, params); err != nil {
			n.log.Warning("RPC push %s failed: %v", method, err)
			failed = append(failed, srv)
		}
	}

	if len(failed) > 0 {
		n.mu.Lock()
		for _, srv := range failed {
			delete(n.servers, srv)
		}
		n.mu.Unlock()
	}
}

// Count returns the number of registered servers.
func (n *RPCNotifier) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.servers)
}

// Close stops every registered server.
func (n *RPCNotifier) Close() {
	n.mu.Lock()
	servers := n.servers
	n.servers = make(map[*jrpc2.Server]struct{})
	n.mu.Unlock()
	for srv := range servers {
		srv.Stop()
	}
}

// notificationFor maps an engine event to a notification method. Added
// events are not pushed.
func notificationFor(t vaultlib.EventType) (string, bool) {
	switch t {
	case vaultlib.EventCompleted:
		return common.NotifyTransferCompleted, true
	case vaultlib.EventFailed:
		return common.NotifyTransferFailed, true
	case vaultlib.EventCancelled:
		return common.NotifyTransferCancelled, true
	case vaultlib.EventAdded:
		return "", false
	}
	return common.NotifyTransferProgress, true
}

// Notify pushes one engine event.
func (n *RPCNotifier) Notify(ev vaultlib.Event) {
	method, ok := notificationFor(ev.Type)
	if !ok {
		return
	}
	n.Broadcast(method, common.TransferNotification{
		Event:      string(ev.Type),
		Item:       ev.Item,
		Percentage: ev.Item.ProgressPercentage(),
		ETA:        ev.Item.EstimatedTimeRemaining(),
		Time:       ev.Time,
	})
}

// Alert pushes a monitor alert.
func (n *RPCNotifier) Alert(a vaultlib.Alert) {
	n.Broadcast(common.NotifyMonitorAlert, a)
}

// Forward pushes events until ctx is done or events is closed.
func (n *RPCNotifier) Forward(ctx context.Context, events <-chan vaultlib.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.Notify(ev)
		}
	}
}
