// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transporttest provides an in-memory MCP target for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/targets"
	"github.com/stacklok/agentgate/pkg/upstream/transport"
)

// ErrNotInitialized is returned by Fake.Send for traffic sent before the
// initialized notification.
var ErrNotInitialized = errors.New("request sent before initialization completed")

// InitializeMode controls how a Fake answers initialize.
type InitializeMode int

const (
	// InitializeOK answers with a valid result.
	InitializeOK InitializeMode = iota
	// InitializeReject answers with a JSON-RPC error.
	InitializeReject
	// InitializeMalformed answers with a result lacking protocolVersion.
	InitializeMalformed
	// InitializeSilent never answers.
	InitializeSilent
)

// Handler answers an application request. Returning a non-nil error sends a
// JSON-RPC error response.
type Handler func(ctx context.Context, req *jsonrpc2.Request) (any, error)

// Fake is a Transport backed by Go code. It enforces the MCP lifecycle for
// kinds that require it.
type Fake struct {
	TargetKind    targets.Kind
	Initialize    InitializeMode
	Handler       Handler
	Serial        bool
	InitNotifyErr error

	ids     atomic.Int64
	inbox   chan jsonrpc2.Message
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	ready   bool
	sent    []string
	rejects int
}

// New returns a Fake of the given kind that echoes tools/call arguments.
func New(kind targets.Kind) *Fake {
	f := &Fake{
		TargetKind: kind,
		Handler:    Echo,
		inbox:      make(chan jsonrpc2.Message, 64),
		closed:     make(chan struct{}),
	}
	f.ready = !transport.RequiresHandshake(kind)
	return f
}

// Echo answers tools/call with the call's arguments as text and tools/list
// with a single "echo" tool.
func Echo(_ context.Context, req *jsonrpc2.Request) (any, error) {
	switch mcp.MCPMethod(req.Method) {
	case mcp.MethodToolsList:
		return mcp.ListToolsResult{Tools: []mcp.Tool{mcp.NewTool("echo", mcp.WithDescription("echoes its input"))}}, nil
	case mcp.MethodToolsCall:
		var params mcp.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, err
		}
		args, _ := json.Marshal(params.Arguments)
		return mcp.NewToolResultText(string(args)), nil
	case mcp.MethodPromptsList:
		return mcp.ListPromptsResult{Prompts: []mcp.Prompt{}}, nil
	case mcp.MethodResourcesList:
		return mcp.ListResourcesResult{Resources: []mcp.Resource{}}, nil
	default:
		return nil, jsonrpc2.NewError(-32601, "method not found: "+req.Method)
	}
}

// Kind implements transport.Transport.
func (f *Fake) Kind() targets.Kind {
	return f.TargetKind
}

// Multiplexed reports whether the fake accepts concurrent requests.
func (f *Fake) Multiplexed() bool {
	return !f.Serial
}

// NextID implements transport.Transport.
func (f *Fake) NextID() jsonrpc2.ID {
	return jsonrpc2.Int64ID(f.ids.Add(1))
}

// Send implements transport.Transport.
func (f *Fake) Send(ctx context.Context, msg jsonrpc2.Message) error {
	select {
	case <-f.closed:
		return gateway.ErrTransportClosed
	default:
	}

	req, ok := msg.(*jsonrpc2.Request)
	if !ok {
		return nil
	}

	f.mu.Lock()
	f.sent = append(f.sent, req.Method)
	ready := f.ready
	f.mu.Unlock()

	switch {
	case req.Method == string(mcp.MethodInitialize):
		return f.answerInitialize(req)
	case req.Method == "notifications/initialized":
		if f.InitNotifyErr != nil {
			return f.InitNotifyErr
		}
		f.mu.Lock()
		f.ready = true
		f.mu.Unlock()
		return nil
	case !ready:
		f.mu.Lock()
		f.rejects++
		f.mu.Unlock()
		return fmt.Errorf("%s: %w", req.Method, ErrNotInitialized)
	case !req.ID.IsValid():
		return nil
	}

	result, err := f.Handler(ctx, req)
	return f.reply(req.ID, result, err)
}

func (f *Fake) answerInitialize(req *jsonrpc2.Request) error {
	switch f.Initialize {
	case InitializeReject:
		return f.reply(req.ID, nil, jsonrpc2.NewError(-32602, "unsupported protocol version"))
	case InitializeMalformed:
		return f.reply(req.ID, map[string]any{"serverInfo": map[string]any{"name": "fake"}}, nil)
	case InitializeSilent:
		return nil
	default:
		return f.reply(req.ID, mcp.InitializeResult{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ServerInfo:      mcp.Implementation{Name: "fake", Version: "1.0.0"},
		}, nil)
	}
}

func (f *Fake) reply(id jsonrpc2.ID, result any, rpcErr error) error {
	resp, err := jsonrpc2.NewResponse(id, result, rpcErr)
	if err != nil {
		return err
	}
	return f.Push(resp)
}

// Push delivers msg to the reader as if the target had sent it.
func (f *Fake) Push(msg jsonrpc2.Message) error {
	select {
	case f.inbox <- msg:
		return nil
	case <-f.closed:
		return gateway.ErrTransportClosed
	}
}

// Notify delivers a server notification.
func (f *Fake) Notify(method string, params any) error {
	n, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return err
	}
	return f.Push(n)
}

// Receive implements transport.Transport.
func (f *Fake) Receive(ctx context.Context) (jsonrpc2.Message, error) {
	select {
	case msg := <-f.inbox:
		return msg, nil
	case <-f.closed:
		return nil, gateway.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements transport.Transport.
func (f *Fake) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// Sent returns the methods sent so far, in order.
func (f *Fake) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// Count returns how many times method was sent.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m == method {
			n++
		}
	}
	return n
}

// Rejected returns how many requests arrived before initialization completed.
func (f *Fake) Rejected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejects
}

// Dialer is a transport.Factory that hands out fakes and counts opens per target.
type Dialer struct {
	// New builds the fake for a target. Defaults to New(desc.Kind()).
	New func(desc *targets.Descriptor) (*Fake, error)
	// Gate, when set, is received from before every open completes.
	Gate chan struct{}

	mu    sync.Mutex
	opens map[string]int
	fakes map[string][]*Fake
}

// Factory returns the transport.Factory view of d.
func (d *Dialer) Factory() transport.Factory {
	return func(ctx context.Context, desc *targets.Descriptor) (transport.Transport, error) {
		d.mu.Lock()
		if d.opens == nil {
			d.opens = make(map[string]int)
			d.fakes = make(map[string][]*Fake)
		}
		d.opens[desc.Name]++
		d.mu.Unlock()

		if d.Gate != nil {
			select {
			case <-d.Gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var (
			f   *Fake
			err error
		)
		if d.New != nil {
			f, err = d.New(desc)
		} else {
			f = New(desc.Kind())
		}
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.fakes[desc.Name] = append(d.fakes[desc.Name], f)
		d.mu.Unlock()
		return f, nil
	}
}

// Opens returns how many times target was opened.
func (d *Dialer) Opens(target string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens[target]
}

// Last returns the most recent fake opened for target.
func (d *Dialer) Last(target string) *Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	fs := d.fakes[target]
	if len(fs) == 0 {
		return nil
	}
	return fs[len(fs)-1]
}
