package vaultcli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	cws "github.com/coder/websocket"
	"github.com/warpdl/warpvault/common"
	"github.com/warpdl/warpvault/pkg/vaultlib"
)

const maxWatchMessage = 1 << 20

// Handlers receive the daemon's push notifications. Nil handlers skip
// their notification.
type Handlers struct {
	Transfer func(method string, n common.TransferNotification)
	Alert    func(a vaultlib.Alert)
}

type wireMessage struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Watch opens a WebSocket session and dispatches notifications until ctx is
// cancelled or the daemon closes the session. A cancelled ctx is not an
// error.
func (c *Client) Watch(ctx context.Context, h Handlers) error {
	conn, _, err := cws.Dial(ctx, "ws://warpvault"+common.RPCWSPath, &cws.DialOptions{HTTPClient: c.http})
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxWatchMessage)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || cws.CloseStatus(err) == cws.StatusNormalClosure {
				return nil
			}
			return err
		}
		if err := dispatch(data, h); err != nil {
			debugLog("watch: %v", err)
		}
	}
}

// dispatch decodes one message. Responses and unknown methods are ignored.
func dispatch(data []byte, h Handlers) error {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	switch msg.Method {
	case common.NotifyTransferProgress, common.NotifyTransferCompleted,
		common.NotifyTransferFailed, common.NotifyTransferCancelled:
		if h.Transfer == nil {
			return nil
		}
		var n common.TransferNotification
		if err := json.Unmarshal(msg.Params, &n); err != nil {
			return err
		}
		h.Transfer(msg.Method, n)
	case common.NotifyMonitorAlert:
		if h.Alert == nil {
			return nil
		}
		var a vaultlib.Alert
		if err := json.Unmarshal(msg.Params, &a); err != nil {
			return err
		}
		h.Alert(a)
	case "":
		return errors.New("message without method")
	}
	return nil
}
