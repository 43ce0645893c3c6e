package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Klingon-tech/klingvault/internal/errs"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

// Watcher waits for signature confirmations over the RPC websocket.
type Watcher struct {
	url    string
	dialer websocket.Dialer
	log    *logging.Logger
}

// NewWatcher creates a watcher for the given ws:// or wss:// endpoint.
func NewWatcher(url string) *Watcher {
	return &Watcher{
		url:    url,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logging.GetDefault().Component("solana-ws"),
	}
}

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Method string `json:"method"`
	Params struct {
		Subscription uint64 `json:"subscription"`
		Result       struct {
			Value struct {
				Err json.RawMessage `json:"err"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// WaitForSignature subscribes to sig and blocks until the cluster reaches
// the commitment level. A transaction that landed with an error returns a
// CodeRejected error.
func (w *Watcher) WaitForSignature(ctx context.Context, sig, commitment string) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return errs.Network("SOL", "signatureSubscribe", err)
	}
	defer conn.Close()

	// unblock ReadJSON when the context ends
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	req := wsRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "signatureSubscribe",
		Params:  []interface{}{sig, map[string]string{"commitment": commitment}},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(req); err != nil {
		return errs.Network("SOL", "signatureSubscribe", err)
	}

	var subscription uint64
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errs.Network("SOL", "signatureNotification", err)
		}

		switch {
		case msg.ID != nil && *msg.ID == req.ID:
			if msg.Error != nil {
				return errs.Chain(errs.CodeRejected, "SOL", "signatureSubscribe", fmt.Errorf("%d: %s", msg.Error.Code, msg.Error.Message))
			}
			if err := json.Unmarshal(msg.Result, &subscription); err != nil {
				return errs.New(errs.CodeInvalidPayload, "signatureSubscribe", err)
			}
			w.log.Debug("Subscribed to signature", "sig", logging.Redact(sig), "subscription", subscription)
		case msg.Method == "signatureNotification" && msg.Params.Subscription == subscription:
			txErr := msg.Params.Result.Value.Err
			if len(txErr) > 0 && string(txErr) != "null" {
				return errs.Chain(errs.CodeRejected, "SOL", "signatureNotification", fmt.Errorf("transaction failed: %s", txErr)).WithHash(sig)
			}
			return nil
		}
	}
}
