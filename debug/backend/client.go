// Package backend manages the Delve headless process and the JSON-RPC
// connection used to drive it.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/godbg/dlv-dap/logging"
)

// jsonRPCRequest is the wire form of a request to the backend.
type jsonRPCRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	Id     int           `json:"id"`
}

// jsonRPCResponse is the wire form of a response. The error slot is a
// plain string under the net/rpc codec but some servers send an object,
// so it is decoded leniently.
type jsonRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error,omitempty"`
	Id     int             `json:"id"`
}

// RPCError is an error reported by the backend for a single call.
type RPCError struct {
	Message string
}

func (e *RPCError) Error() string { return e.Message }

// ErrClientClosed is returned for calls issued after Close, and rejects
// every outstanding call when the transport drops.
var ErrClientClosed = fmt.Errorf("backend client closed")

// pendingCall tracks one in-flight request awaiting its response.
type pendingCall struct {
	done   chan struct{}
	result json.RawMessage
	err    error
}

// Client issues named remote calls against the backend, correlating
// responses to in-flight requests by id. All calls multiplex over a
// single connection. The client imposes no run-command policy; the
// session layer keeps at most one blocking run command outstanding.
type Client struct {
	conn net.Conn
	log  zerolog.Logger

	mu      sync.Mutex
	seq     int
	pending map[int]*pendingCall
	closed  bool
}

// Dial connects to a backend JSON-RPC server.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to backend at %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		log:     logging.Component("backend"),
		seq:     1,
		pending: make(map[int]*pendingCall),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the connection. Outstanding calls are rejected by
// the read loop when the connection drops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Closed reports whether the client has been closed or lost its
// connection.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Go issues a call asynchronously. The returned channel receives the
// call's error (nil on success) once the response arrives; result is
// populated before the send. Buffered so the result may be dropped.
func (c *Client) Go(method Method, params interface{}, result interface{}) <-chan error {
	errc := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		errc <- ErrClientClosed
		return errc
	}
	id := c.seq
	c.seq++
	call := &pendingCall{done: make(chan struct{})}
	c.pending[id] = call
	c.mu.Unlock()

	req := jsonRPCRequest{
		Method: string(method),
		Params: []interface{}{params},
		Id:     id,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		c.abandon(id)
		errc <- fmt.Errorf("marshal request: %w", err)
		return errc
	}
	payload = append(payload, '\n')

	c.mu.Lock()
	_, err = c.conn.Write(payload)
	c.mu.Unlock()
	if err != nil {
		c.abandon(id)
		errc <- fmt.Errorf("send %s: %w", method, err)
		return errc
	}

	go func() {
		<-call.done
		if call.err != nil {
			errc <- call.err
			return
		}
		if result != nil && len(call.result) > 0 {
			if err := json.Unmarshal(call.result, result); err != nil {
				errc <- fmt.Errorf("unmarshal %s result: %w", method, err)
				return
			}
		}
		errc <- nil
	}()
	return errc
}

// Call issues a call and blocks until its response arrives.
func (c *Client) Call(method Method, params interface{}, result interface{}) error {
	return <-c.Go(method, params, result)
}

func (c *Client) abandon(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop correlates responses to pending calls. A transport error
// rejects every outstanding call and marks the client closed.
func (c *Client) readLoop() {
	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			c.failAll(err)
			return
		}

		var resp jsonRPCResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.log.Warn().Err(err).Msg("unparseable backend response, skipping")
			continue
		}

		c.mu.Lock()
		call, ok := c.pending[resp.Id]
		if ok {
			delete(c.pending, resp.Id)
		}
		c.mu.Unlock()
		if !ok {
			c.log.Warn().Int("id", resp.Id).Msg("response for unknown request id")
			continue
		}

		if msg, isErr := decodeRPCError(resp.Error); isErr {
			call.err = &RPCError{Message: msg}
		} else {
			call.result = resp.Result
		}
		close(call.done)
	}
}

// failAll rejects every pending call after the transport drops.
func (c *Client) failAll(cause error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	pending := c.pending
	c.pending = make(map[int]*pendingCall)
	c.mu.Unlock()

	if !wasClosed {
		c.log.Debug().Err(cause).Msg("backend connection lost")
	}
	for _, call := range pending {
		call.err = fmt.Errorf("%w: %v", ErrClientClosed, cause)
		close(call.done)
	}
}

// decodeRPCError handles both the net/rpc string form and the object
// form of the error slot.
func decodeRPCError(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message, true
	}
	return string(raw), true
}
