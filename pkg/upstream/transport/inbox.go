// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
)

const inboxSize = 64

// inbox buffers received messages until Receive picks them up. After fail,
// already buffered messages are still delivered before the error.
type inbox struct {
	ch     chan jsonrpc2.Message
	closed chan struct{}
	once   sync.Once
	err    error
}

func newInbox() *inbox {
	return &inbox{
		ch:     make(chan jsonrpc2.Message, inboxSize),
		closed: make(chan struct{}),
	}
}

// push enqueues msg. It returns false once the inbox has failed.
func (b *inbox) push(msg jsonrpc2.Message) bool {
	select {
	case <-b.closed:
		return false
	default:
	}
	select {
	case b.ch <- msg:
		return true
	case <-b.closed:
		return false
	}
}

// fail closes the inbox. err must wrap gateway.ErrTransportClosed; nil uses it directly.
func (b *inbox) fail(err error) {
	b.once.Do(func() {
		if err == nil {
			err = gateway.ErrTransportClosed
		}
		b.err = err
		close(b.closed)
	})
}

func (b *inbox) done() <-chan struct{} {
	return b.closed
}

func (b *inbox) receive(ctx context.Context) (jsonrpc2.Message, error) {
	select {
	case msg := <-b.ch:
		return msg, nil
	case <-b.closed:
		select {
		case msg := <-b.ch:
			return msg, nil
		default:
			return nil, b.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
