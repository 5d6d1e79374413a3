// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/targets"
)

// sseTransport implements the MCP HTTP+SSE transport: a long-lived GET
// event stream carries responses and notifications, and messages are POSTed
// to the URL announced by the "endpoint" event.
type sseTransport struct {
	idCounter

	name     string
	spec     *targets.SSESpec
	client   *http.Client
	endpoint string

	inbox     *inbox
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func openSSE(ctx context.Context, name string, spec *targets.SSESpec) (*sseTransport, error) {
	client, err := newHTTPClient(spec.TLS)
	if err != nil {
		return nil, err
	}

	streamURL := spec.URL()
	base, err := url.Parse(streamURL)
	if err != nil {
		return nil, fmt.Errorf("%w: target %s: invalid URL %q: %w", gateway.ErrTargetMisconfigured, name, streamURL, err)
	}

	// The stream lives as long as the transport; ctx only bounds the open.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	applyHeaders(ctx, req, spec.Headers, spec.Auth)

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, wrapNetError(name, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: target %s: event stream returned HTTP %d", gateway.ErrTransport, name, resp.StatusCode)
	}

	t := &sseTransport{
		name:   name,
		spec:   spec,
		client: client,
		inbox:  newInbox(),
		cancel: cancel,
	}

	endpoints := make(chan string, 1)
	go t.readStream(resp.Body, base, endpoints)

	select {
	case endpoint := <-endpoints:
		t.endpoint = endpoint
		logger.Debugw("SSE target announced endpoint", "target", name, "endpoint", endpoint)
		return t, nil
	case <-t.inbox.done():
		_ = t.Close()
		var err error
		for err == nil {
			_, err = t.inbox.receive(context.Background())
		}
		return nil, fmt.Errorf("target %s: stream ended before endpoint event: %w", name, err)
	case <-ctx.Done():
		_ = t.Close()
		return nil, fmt.Errorf("%w: target %s: waiting for endpoint event: %w", gateway.ErrTransport, name, ctx.Err())
	}
}

// Kind implements Transport.
func (*sseTransport) Kind() targets.Kind {
	return targets.KindSSE
}

// Multiplexed reports true: responses are matched by id on the shared stream.
func (*sseTransport) Multiplexed() bool {
	return true
}

// Send POSTs msg to the announced endpoint.
func (t *sseTransport) Send(ctx context.Context, msg jsonrpc2.Message) error {
	select {
	case <-t.inbox.done():
		return fmt.Errorf("target %s: %w", t.name, gateway.ErrTransportClosed)
	default:
	}

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyHeaders(ctx, req, t.spec.Headers, t.spec.Auth)

	resp, err := t.client.Do(req)
	if err != nil {
		return wrapNetError(t.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted, resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusOK:
		return t.acceptInline(resp)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: target %s: POST returned HTTP %d: %s",
			gateway.ErrTransport, t.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// acceptInline handles servers that answer the POST directly instead of on the stream.
func (t *sseTransport) acceptInline(resp *http.Response) error {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	msg, err := jsonrpc2.DecodeMessage(body)
	if err != nil {
		logger.Debugw("ignoring non JSON-RPC POST response", "target", t.name, "error", err)
		return nil
	}
	t.inbox.push(msg)
	return nil
}

// Receive implements Transport.
func (t *sseTransport) Receive(ctx context.Context) (jsonrpc2.Message, error) {
	return t.inbox.receive(ctx)
}

// Close cancels the event stream.
func (t *sseTransport) Close() error {
	t.closeOnce.Do(func() {
		t.inbox.fail(fmt.Errorf("target %s: %w", t.name, gateway.ErrTransportClosed))
		t.cancel()
	})
	return nil
}

func (t *sseTransport) readStream(body io.ReadCloser, base *url.URL, endpoints chan<- string) {
	defer body.Close()

	var announced string
	err := readEvents(body, func(ev event) bool {
		switch ev.Name {
		case "endpoint":
			ref, err := url.Parse(strings.TrimSpace(ev.Data))
			if err != nil {
				logger.Warnw("invalid endpoint event from SSE target", "target", t.name, "data", ev.Data)
				return true
			}
			endpoint := base.ResolveReference(ref).String()
			if announced == "" {
				announced = endpoint
				endpoints <- endpoint
			} else if endpoint != announced {
				logger.Warnw("SSE target changed endpoint, ignoring", "target", t.name, "endpoint", endpoint)
			}
		case "", "message":
			msg, err := jsonrpc2.DecodeMessage([]byte(ev.Data))
			if err != nil {
				logger.Warnw("ignoring malformed message from SSE target", "target", t.name, "error", err)
				return true
			}
			if !t.inbox.push(msg) {
				return false
			}
		}
		return true
	})

	reason := "stream ended"
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		reason = err.Error()
	}
	t.inbox.fail(fmt.Errorf("target %s: %s: %w", t.name, reason, gateway.ErrTransportClosed))
}
