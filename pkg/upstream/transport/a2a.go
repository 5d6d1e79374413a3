// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/targets"
)

// A2AStreamEventMethod is the notification carrying an intermediate event of
// a streamed A2A response. Its params hold the request id under
// RequestIDParam and the raw event under "event".
const A2AStreamEventMethod = "a2a/streamEvent"

// AgentCardPath is where A2A agents publish their card.
const AgentCardPath = ".well-known/agent.json"

const codeUpstreamHTTP = -32000

// A2AStreamEvent is the params of an A2AStreamEventMethod notification.
type A2AStreamEvent struct {
	RequestID any             `json:"requestId"`
	Event     json.RawMessage `json:"event"`
}

// a2aTransport POSTs JSON-RPC requests to an A2A agent.
type a2aTransport struct {
	idCounter

	name   string
	spec   *targets.A2ASpec
	url    string
	client *http.Client

	inbox     *inbox
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func openA2A(name string, spec *targets.A2ASpec) (*a2aTransport, error) {
	client, err := newHTTPClient(spec.TLS)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &a2aTransport{
		name:   name,
		spec:   spec,
		url:    spec.URL(),
		client: client,
		inbox:  newInbox(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Kind implements Transport.
func (*a2aTransport) Kind() targets.Kind {
	return targets.KindA2A
}

// Multiplexed reports true: every request is its own HTTP exchange.
func (*a2aTransport) Multiplexed() bool {
	return true
}

// Send POSTs msg and queues whatever the agent answers. For streamed
// answers Send returns once the stream ends or the transport closes.
func (t *a2aTransport) Send(ctx context.Context, msg jsonrpc2.Message) error {
	select {
	case <-t.inbox.done():
		return fmt.Errorf("target %s: %w", t.name, gateway.ErrTransportClosed)
	default:
	}

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	applyHeaders(ctx, req, t.spec.Headers, t.spec.Auth)

	resp, err := t.client.Do(req)
	if err != nil {
		return wrapNetError(t.name, err)
	}
	defer resp.Body.Close()

	call, ok := msg.(*jsonrpc2.Request)
	if !ok || !call.ID.IsValid() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return t.reply(call.ID, nil, jsonrpc2.NewError(codeUpstreamHTTP,
			fmt.Sprintf("agent returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.relayStream(call, resp.Body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return wrapNetError(t.name, err)
	}
	return t.push(call.ID, body)
}

// relayStream forwards every event but the last as a notification. The last
// event answers the request.
func (t *a2aTransport) relayStream(call *jsonrpc2.Request, body io.Reader) error {
	var last []byte
	err := readEvents(body, func(ev event) bool {
		if ev.Name != "" && ev.Name != "message" {
			return true
		}
		if last != nil && !t.notifyEvent(call.ID, last) {
			return false
		}
		last = []byte(ev.Data)
		return true
	})
	if err != nil && !errors.Is(err, io.EOF) {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("target %s: %w", t.name, gateway.ErrTransportClosed)
		}
		return wrapNetError(t.name, err)
	}
	if last == nil {
		return t.reply(call.ID, nil, jsonrpc2.NewError(codeUpstreamHTTP, "agent closed the stream without a result"))
	}
	return t.push(call.ID, last)
}

func (t *a2aTransport) notifyEvent(id jsonrpc2.ID, raw []byte) bool {
	n, err := jsonrpc2.NewNotification(A2AStreamEventMethod, A2AStreamEvent{
		RequestID: id.Raw(),
		Event:     json.RawMessage(raw),
	})
	if err != nil {
		logger.Warnw("dropping malformed A2A stream event", "target", t.name, "error", err)
		return true
	}
	return t.inbox.push(n)
}

// push queues body as the response to id. Bodies that are not a JSON-RPC
// response carrying id are wrapped as the result.
func (t *a2aTransport) push(id jsonrpc2.ID, body []byte) error {
	if msg, err := jsonrpc2.DecodeMessage(body); err == nil {
		if resp, ok := msg.(*jsonrpc2.Response); ok && resp.ID == id {
			if !t.inbox.push(resp) {
				return fmt.Errorf("target %s: %w", t.name, gateway.ErrTransportClosed)
			}
			return nil
		}
	}
	if !json.Valid(body) {
		return t.reply(id, nil, jsonrpc2.NewError(codeUpstreamHTTP, "agent returned a non-JSON body"))
	}
	return t.reply(id, json.RawMessage(body), nil)
}

func (t *a2aTransport) reply(id jsonrpc2.ID, result any, rpcErr error) error {
	resp, err := jsonrpc2.NewResponse(id, result, rpcErr)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if !t.inbox.push(resp) {
		return fmt.Errorf("target %s: %w", t.name, gateway.ErrTransportClosed)
	}
	return nil
}

// AgentCard fetches the agent's published card.
func (t *a2aTransport) AgentCard(ctx context.Context) (map[string]any, error) {
	cardURL := strings.TrimSuffix(t.url, "/") + "/" + AgentCardPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cardURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	applyHeaders(ctx, req, t.spec.Headers, t.spec.Auth)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, wrapNetError(t.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: target %s: agent card returned HTTP %d", gateway.ErrTransport, t.name, resp.StatusCode)
	}
	var card map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&card); err != nil {
		return nil, fmt.Errorf("%w: target %s: invalid agent card: %w", gateway.ErrTransport, t.name, err)
	}
	return card, nil
}

// Receive implements Transport.
func (t *a2aTransport) Receive(ctx context.Context) (jsonrpc2.Message, error) {
	return t.inbox.receive(ctx)
}

// Close aborts streams in flight.
func (t *a2aTransport) Close() error {
	t.closeOnce.Do(func() {
		t.inbox.fail(fmt.Errorf("target %s: %w", t.name, gateway.ErrTransportClosed))
		t.cancel()
		t.client.CloseIdleConnections()
	})
	return nil
}

// CardFetcher is implemented by transports that publish an A2A agent card.
type CardFetcher interface {
	AgentCard(ctx context.Context) (map[string]any, error)
}
