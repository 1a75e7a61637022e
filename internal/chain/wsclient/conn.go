// Package wsclient implements the chain.Client boundary over a substrate
// node's JSON-RPC websocket endpoint.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcMessage is either a call response (ID set) or a subscription
// notification (Method/Params set).
type rpcMessage struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	Method  string          `json:"method"`
	Params  *struct {
		Subscription json.RawMessage `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

// conn multiplexes JSON-RPC calls and subscription notifications over one
// websocket connection. A single read loop routes incoming messages by
// request id or subscription id.
type conn struct {
	logger zerolog.Logger
	ws     *websocket.Conn

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan callResult
	subs    map[string]chan json.RawMessage

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// dialConn opens the websocket and starts the read loop.
func dialConn(ctx context.Context, logger zerolog.Logger, url string) (*conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &conn{
		logger:  logger,
		ws:      ws,
		pending: make(map[uint64]chan callResult),
		subs:    make(map[string]chan json.RawMessage),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// call performs one JSON-RPC request and decodes the result into out.
// A nil out discards the result.
func (c *conn) call(ctx context.Context, method string, params any, out any) error {
	id := c.nextID.Add(1)
	ch := make(chan callResult, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(rpcRequest{Jsonrpc: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%s: connection closed: %w", method, c.err)
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%s: %w", method, res.err)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(res.result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	}
}

// subscribe opens a subscription and returns its id together with the raw
// notification channel. The channel is closed when the connection drops or
// unsubscribe is called.
func (c *conn) subscribe(ctx context.Context, method string, params any) (string, chan json.RawMessage, error) {
	var rawID json.RawMessage
	if err := c.call(ctx, method, params, &rawID); err != nil {
		return "", nil, err
	}
	id, err := normalizeSubID(rawID)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", method, err)
	}

	ch := make(chan json.RawMessage, 64)
	c.mu.Lock()
	c.subs[id] = ch
	c.mu.Unlock()
	return id, ch, nil
}

// unsubscribe tears a subscription down and releases its channel.
func (c *conn) unsubscribe(ctx context.Context, method, id string) {
	c.mu.Lock()
	if ch, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()

	if err := c.call(ctx, method, []any{id}, nil); err != nil {
		c.logger.Debug().Err(err).Str("subscription", id).Msg("Unsubscribe failed")
	}
}

func (c *conn) write(req rpcRequest) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(req)
}

func (c *conn) readLoop() {
	for {
		var msg rpcMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.closeWith(err)
			return
		}

		switch {
		case msg.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			c.mu.Unlock()
			if !ok {
				continue
			}
			if msg.Error != nil {
				ch <- callResult{err: msg.Error}
			} else {
				ch <- callResult{result: msg.Result}
			}

		case msg.Params != nil:
			id, err := normalizeSubID(msg.Params.Subscription)
			if err != nil {
				c.logger.Debug().Err(err).Msg("Notification with unusable subscription id")
				continue
			}
			c.mu.Lock()
			ch, ok := c.subs[id]
			c.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case ch <- msg.Params.Result:
			default:
				// A stalled consumer must not wedge the read loop; the
				// tracker tolerates gaps in the block stream.
				c.logger.Warn().Str("subscription", id).Msg("Dropping notification for slow consumer")
			}
		}
	}
}

// closeWith terminates the connection, failing all pending calls and
// closing all subscription channels.
func (c *conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		_ = c.ws.Close()

		c.mu.Lock()
		for id, ch := range c.pending {
			ch <- callResult{err: err}
			delete(c.pending, id)
		}
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.mu.Unlock()

		close(c.done)
	})
}

// close shuts the connection down deliberately.
func (c *conn) close() {
	c.closeWith(fmt.Errorf("closed by client"))
}

// failure returns the terminal error once done is closed.
func (c *conn) failure() error { return c.err }

// normalizeSubID renders a subscription id as a string whether the node
// sent it as a JSON string or a number.
func normalizeSubID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("unsupported subscription id %s", raw)
}
