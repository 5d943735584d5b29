// Package chainwatch subscribes to new-block notifications from blockchain
// JSON-RPC endpoints over WebSocket and fans them out to job schedules. One
// connection is shared per network across all subscribers.
package chainwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/target/graph-relay/internal/core"
	"github.com/target/graph-relay/internal/domain/model"
)

// subscriberBuffer is the per-subscriber channel depth. A consumer that falls
// further behind than this misses notifications rather than stalling the
// read loop.
const subscriberBuffer = 16

// Provider hands out shared block streams keyed by network.
type Provider struct {
	endpoints map[model.Network]string
	logger    *slog.Logger

	mu       sync.Mutex
	watchers map[model.Network]*Watcher
}

// NewProvider builds a provider from a network-name to WebSocket-URL map.
// Unknown network names are skipped with a warning.
func NewProvider(endpoints map[string]string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	eps := make(map[model.Network]string, len(endpoints))
	for name, url := range endpoints {
		network := model.Network(strings.ToLower(strings.TrimSpace(name)))
		if !network.Valid() {
			logger.Warn("ignoring endpoint for unknown network", "network", name)
			continue
		}
		eps[network] = strings.TrimSpace(url)
	}
	return &Provider{
		endpoints: eps,
		logger:    logger.With("component", "chainwatch"),
		watchers:  make(map[model.Network]*Watcher),
	}
}

// Stream returns the shared watcher for a network, dialing it on first use.
func (p *Provider) Stream(ctx context.Context, network model.Network) (core.BlockStream, error) {
	if !network.Valid() {
		return nil, fmt.Errorf("unknown network %q", network)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.watchers[network]; ok {
		return w, nil
	}

	endpoint, ok := p.endpoints[network]
	if !ok || endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured for network %q", network)
	}

	w := newWatcher(network, endpoint, p.logger)
	go w.run(ctx)
	p.watchers[network] = w
	return w, nil
}

var _ core.BlockStreamProvider = (*Provider)(nil)

// Watcher maintains one WebSocket subscription to a network's newHeads feed
// and broadcasts block heights to its subscribers.
type Watcher struct {
	network  model.Network
	endpoint string
	logger   *slog.Logger

	mu   sync.Mutex
	subs []chan uint64
}

func newWatcher(network model.Network, endpoint string, logger *slog.Logger) *Watcher {
	return &Watcher{
		network:  network,
		endpoint: endpoint,
		logger:   logger.With("network", string(network)),
	}
}

// Subscribe returns a channel receiving new block heights. Each caller gets
// its own buffered channel; notifications to a full channel are dropped.
func (w *Watcher) Subscribe() <-chan uint64 {
	ch := make(chan uint64, subscriberBuffer)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

func (w *Watcher) broadcast(height uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- height:
		default:
			// subscriber is behind; skip this notification
		}
	}
}

// run dials the endpoint and pumps notifications until the context ends,
// reconnecting with exponential backoff on connection loss.
func (w *Watcher) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // reconnect forever

	for {
		if err := w.pump(ctx); err != nil {
			if ctx.Err() != nil {
				w.logger.Info("block watcher stopping", "reason", ctx.Err())
				return
			}
			w.logger.Error("block subscription lost; reconnecting", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// rpcRequest is a JSON-RPC 2.0 call frame.
type rpcRequest struct {
	ID      int    `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcMessage covers both the subscribe response and subscription pushes.
type rpcMessage struct {
	ID     *int            `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type newHeadsParams struct {
	Result struct {
		Number string `json:"number"`
	} `json:"result"`
}

// pump runs one connection lifetime: dial, subscribe, read until failure.
func (w *Watcher) pump(ctx context.Context) error {
	w.logger.Info("connecting to block source", "endpoint", w.endpoint)

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, w.endpoint, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.endpoint, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	subscribe := rpcRequest{
		ID:      1,
		JSONRPC: "2.0",
		Method:  "eth_subscribe",
		Params:  []any{"newHeads"},
	}
	if err = wsjson.Write(ctx, conn, subscribe); err != nil {
		return fmt.Errorf("subscribe to newHeads: %w", err)
	}

	w.logger.Debug("subscribed to newHeads")

	for {
		var msg rpcMessage
		if err = wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("read notification: %w", err)
		}

		if msg.Error != nil {
			return fmt.Errorf("rpc error %d: %s", msg.Error.Code, msg.Error.Message)
		}
		if msg.Method != "eth_subscription" {
			continue
		}

		height, parseErr := parseBlockNumber(msg.Params)
		if parseErr != nil {
			w.logger.Warn("unparseable block notification", "error", parseErr)
			continue
		}

		w.logger.Debug("new block", "blocknumber", height)
		w.broadcast(height)
	}
}

func parseBlockNumber(params json.RawMessage) (uint64, error) {
	var p newHeadsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return 0, fmt.Errorf("decode newHeads params: %w", err)
	}
	hex := strings.TrimPrefix(p.Result.Number, "0x")
	if hex == "" {
		return 0, errors.New("notification missing block number")
	}
	height, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse block number %q: %w", p.Result.Number, err)
	}
	return height, nil
}
