// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/logger"
)

// RequestIDParam is the notification parameter that routes a notification to
// the in-flight call with that id. Notifications without it go to every
// in-flight call.
const RequestIDParam = "requestId"

// NotificationHandler receives server-initiated notifications for a call.
// It runs on the client's read loop and must not block.
type NotificationHandler func(*jsonrpc2.Request)

// ResponseError is a JSON-RPC error returned by the target itself.
type ResponseError struct {
	Method string
	Err    error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// WireCode finds the JSON-RPC error object in err's chain and returns its
// code and message. jsonrpc2 does not export its error type, so the object
// is recognized by its encoding.
func WireCode(err error) (int64, string, bool) {
	for ; err != nil; err = errors.Unwrap(err) {
		data, jerr := json.Marshal(err)
		if jerr != nil {
			continue
		}
		obj := gjson.ParseBytes(data)
		code, msg := obj.Get("code"), obj.Get("message")
		if code.Type == gjson.Number && msg.Type == gjson.String {
			return code.Int(), msg.String(), true
		}
	}
	return 0, "", false
}

// Call is one in-flight request.
type Call struct {
	ID     jsonrpc2.ID
	Method string

	notify NotificationHandler
	done   chan struct{}
	once   sync.Once
	resp   *jsonrpc2.Response
	err    error
	finish func()
}

// Done is closed once the response arrived or the exchange failed.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result blocks until Done and returns the outcome.
func (c *Call) Result() (*jsonrpc2.Response, error) {
	<-c.done
	return c.resp, c.err
}

// Wait returns the outcome, or ctx.Err() if ctx ends first. The exchange
// itself keeps running after ctx ends.
func (c *Call) Wait(ctx context.Context) (*jsonrpc2.Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) complete(resp *jsonrpc2.Response, err error) {
	c.once.Do(func() {
		c.resp, c.err = resp, err
		close(c.done)
		if c.finish != nil {
			c.finish()
		}
	})
}

// Client correlates requests and responses over a Transport. Serial
// transports carry one call at a time; later callers queue.
type Client struct {
	t       Transport
	name    string
	timeout time.Duration

	// slot is nil for multiplexed transports
	slot chan struct{}

	mu        sync.Mutex
	pending   map[any]*Call
	err       error
	closed    chan struct{}
	closeOnce sync.Once
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout fails calls the target has not answered within d with
// gateway.ErrRequestTimeout. On a serial transport the whole client fails
// with gateway.ErrTransport. Zero disables the timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// NewClient takes ownership of t and starts reading from it.
func NewClient(name string, t Transport, opts ...ClientOption) *Client {
	c := &Client{
		t:       t,
		name:    name,
		pending: make(map[any]*Call),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !IsMultiplexed(t) {
		c.slot = make(chan struct{}, 1)
	}
	go c.readLoop()
	return c
}

// Transport returns the underlying transport.
func (c *Client) Transport() Transport {
	return c.t
}

// Start sends a request and returns without waiting for the response. The
// send itself is not bound to ctx's cancellation, only the wait for a serial
// slot is.
func (c *Client) Start(ctx context.Context, method string, params any, notify NotificationHandler) (*Call, error) {
	if c.slot != nil {
		select {
		case c.slot <- struct{}{}:
		case <-c.closed:
			return nil, c.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	id := c.t.NextID()
	req, err := jsonrpc2.NewCall(id, method, params)
	if err != nil {
		c.releaseSlot()
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	call := &Call{ID: id, Method: method, notify: notify, done: make(chan struct{})}
	if c.slot != nil {
		call.finish = c.releaseSlot
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		call.complete(nil, err)
		return nil, err
	}
	c.pending[id.Raw()] = call
	if c.timeout > 0 {
		timer := time.AfterFunc(c.timeout, func() { c.expire(call) })
		release := call.finish
		call.finish = func() {
			timer.Stop()
			if release != nil {
				release()
			}
		}
	}
	c.mu.Unlock()

	sendCtx := context.WithoutCancel(ctx)
	go func() {
		if err := c.t.Send(sendCtx, req); err != nil {
			c.remove(id)
			call.complete(nil, err)
		}
	}()
	return call, nil
}

// Call sends a request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params any) (*jsonrpc2.Response, error) {
	call, err := c.Start(ctx, method, params, nil)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Notify sends a notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	n, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode %s notification: %w", method, err)
	}
	return c.t.Send(ctx, n)
}

// Done is closed when the transport has failed or been closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that shut the client down, or nil while it is alive.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Alive reports whether the client can still carry requests.
func (c *Client) Alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Pending returns the number of in-flight calls.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close closes the transport and fails every in-flight call.
func (c *Client) Close() error {
	err := c.t.Close()
	c.shutdown(gateway.ErrTransportClosed)
	return err
}

// expire fails call if it is still waiting for its response. A serial
// transport that missed a response cannot carry more traffic, so the client
// shuts down and the transport is closed.
func (c *Client) expire(call *Call) {
	c.mu.Lock()
	_, pending := c.pending[call.ID.Raw()]
	if pending && c.slot == nil {
		delete(c.pending, call.ID.Raw())
	}
	c.mu.Unlock()
	if !pending {
		return
	}

	logger.Warnw("target did not answer in time", "target", c.name, "method", call.Method, "timeout", c.timeout)
	err := fmt.Errorf("%w: %s after %s", gateway.ErrRequestTimeout, call.Method, c.timeout)
	if c.slot == nil {
		call.complete(nil, err)
		return
	}
	c.shutdown(fmt.Errorf("%w: %w", gateway.ErrTransport, err))
	go func() {
		if err := c.t.Close(); err != nil {
			logger.Debugw("error closing stalled transport", "target", c.name, "error", err)
		}
	}()
}

func (c *Client) releaseSlot() {
	select {
	case <-c.slot:
	default:
	}
}

func (c *Client) remove(id jsonrpc2.ID) {
	c.mu.Lock()
	delete(c.pending, id.Raw())
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		msg, err := c.t.Receive(context.Background())
		if err != nil {
			c.shutdown(err)
			return
		}
		switch m := msg.(type) {
		case *jsonrpc2.Response:
			c.deliver(m)
		case *jsonrpc2.Request:
			if m.ID.IsValid() {
				c.answer(m)
			} else {
				c.dispatch(m)
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	if !errors.Is(err, gateway.ErrTransport) {
		err = fmt.Errorf("%w: %w", gateway.ErrTransportClosed, err)
	}

	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	err = c.err
	pending := c.pending
	c.pending = make(map[any]*Call)
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closed) })
	for _, call := range pending {
		call.complete(nil, err)
	}
}

func (c *Client) deliver(resp *jsonrpc2.Response) {
	key := resp.ID.Raw()
	c.mu.Lock()
	call, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()

	if !ok {
		logger.Warnw("dropping response for unknown request", "target", c.name, "id", key)
		return
	}
	call.complete(resp, nil)
}

// answer replies to requests the target sends to the gateway. Only ping is
// supported.
func (c *Client) answer(req *jsonrpc2.Request) {
	var (
		resp *jsonrpc2.Response
		err  error
	)
	if req.Method == "ping" {
		resp, err = jsonrpc2.NewResponse(req.ID, struct{}{}, nil)
	} else {
		resp, err = jsonrpc2.NewResponse(req.ID, nil, jsonrpc2.NewError(-32601, "method not supported by gateway: "+req.Method))
	}
	if err != nil {
		logger.Warnw("failed to build reply to upstream request", "target", c.name, "method", req.Method, "error", err)
		return
	}
	go func() {
		if err := c.t.Send(context.Background(), resp); err != nil {
			logger.Debugw("failed to reply to upstream request", "target", c.name, "method", req.Method, "error", err)
		}
	}()
}

func (c *Client) dispatch(n *jsonrpc2.Request) {
	var handlers []NotificationHandler

	c.mu.Lock()
	if key, ok := routeKey(n.Params); ok {
		if call, ok := c.pending[key]; ok && call.notify != nil {
			handlers = append(handlers, call.notify)
		}
	} else {
		for _, call := range c.pending {
			if call.notify != nil {
				handlers = append(handlers, call.notify)
			}
		}
	}
	c.mu.Unlock()

	if len(handlers) == 0 {
		logger.Debugw("no caller for upstream notification", "target", c.name, "method", n.Method)
		return
	}
	for _, h := range handlers {
		h(n)
	}
}

func routeKey(params json.RawMessage) (any, bool) {
	if len(params) == 0 {
		return nil, false
	}
	r := gjson.GetBytes(params, RequestIDParam)
	switch r.Type {
	case gjson.Number:
		return r.Int(), true
	case gjson.String:
		return r.String(), true
	default:
		return nil, false
	}
}

// DecodeResult unmarshals a successful response into out. A JSON-RPC error
// becomes a *ResponseError.
func DecodeResult(method string, resp *jsonrpc2.Response, out any) error {
	if resp == nil {
		return fmt.Errorf("%w: empty response to %s", gateway.ErrTransport, method)
	}
	if resp.Error != nil {
		return &ResponseError{Method: method, Err: resp.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}
