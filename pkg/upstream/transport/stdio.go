// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/targets"
)

const (
	defaultStdioGracePeriod = 5 * time.Second
	maxStdioLine            = 16 << 20
)

// stdioTransport speaks newline-delimited JSON-RPC over a subprocess's
// stdin and stdout. It is serial: the client sends one request at a time.
type stdioTransport struct {
	idCounter

	name  string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	grace time.Duration

	inbox *inbox

	writeMu   sync.Mutex
	waitDone  chan struct{}
	waitErr   error
	closeOnce sync.Once
	closeErr  error
}

func openStdio(_ context.Context, name string, spec *targets.StdioSpec, opts Options) (*stdioTransport, error) {
	// The process outlives the acquiring request, so it is not bound to ctx.
	cmd := exec.Command(spec.Command, spec.Args...) //#nosec G204 -- command comes from gateway configuration
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: target %s: stdin pipe: %w", gateway.ErrTransport, name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: target %s: stdout pipe: %w", gateway.ErrTransport, name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: target %s: stderr pipe: %w", gateway.ErrTransport, name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: target %s: failed to start %q: %w", gateway.ErrTransport, name, spec.Command, err)
	}

	grace := opts.StdioGracePeriod
	if grace <= 0 {
		grace = defaultStdioGracePeriod
	}

	t := &stdioTransport{
		name:     name,
		cmd:      cmd,
		stdin:    stdin,
		grace:    grace,
		inbox:    newInbox(),
		waitDone: make(chan struct{}),
	}

	logger.Debugw("started stdio target", "target", name, "pid", cmd.Process.Pid)

	// Wait must not run before the pipes are drained.
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		t.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		t.logStderr(stderr)
	}()
	go func() {
		readers.Wait()
		t.waitErr = cmd.Wait()
		logger.Debugw("stdio target exited", "target", name, "error", t.waitErr)
		close(t.waitDone)
	}()

	return t, nil
}

// Kind implements Transport.
func (*stdioTransport) Kind() targets.Kind {
	return targets.KindStdio
}

// Multiplexed reports false: requests are serialized per process.
func (*stdioTransport) Multiplexed() bool {
	return false
}

// Send implements Transport.
func (t *stdioTransport) Send(_ context.Context, msg jsonrpc2.Message) error {
	select {
	case <-t.inbox.done():
		return fmt.Errorf("target %s: %w", t.name, gateway.ErrTransportClosed)
	default:
	}

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: target %s: write to stdin: %w", gateway.ErrTransport, t.name, err)
	}
	return nil
}

// Receive implements Transport.
func (t *stdioTransport) Receive(ctx context.Context) (jsonrpc2.Message, error) {
	return t.inbox.receive(ctx)
}

// Close closes stdin, asks the process to terminate and kills it if it has
// not exited within the grace period.
func (t *stdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.inbox.fail(fmt.Errorf("target %s: %w", t.name, gateway.ErrTransportClosed))
		t.closeErr = t.terminate()
	})
	return t.closeErr
}

func (t *stdioTransport) terminate() error {
	_ = t.stdin.Close()

	select {
	case <-t.waitDone:
		return nil
	default:
	}

	if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Debugw("failed to signal stdio target, killing", "target", t.name, "error", err)
		return t.kill()
	}

	timer := time.NewTimer(t.grace)
	defer timer.Stop()

	select {
	case <-t.waitDone:
		return nil
	case <-timer.C:
		logger.Warnw("stdio target did not exit in time, killing", "target", t.name, "grace", t.grace)
		return t.kill()
	}
}

func (t *stdioTransport) kill() error {
	if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill stdio target %s: %w", t.name, err)
	}
	<-t.waitDone
	return nil
}

func (t *stdioTransport) readStdout(stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, err := readLine(reader)
		if len(line) > 0 {
			t.handleLine(line)
		}
		if err != nil {
			reason := "process exited"
			if !errors.Is(err, io.EOF) {
				reason = err.Error()
			}
			t.inbox.fail(fmt.Errorf("target %s: %s: %w", t.name, reason, gateway.ErrTransportClosed))
			return
		}
	}
}

func (t *stdioTransport) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	msg, err := jsonrpc2.DecodeMessage(line)
	if err != nil {
		logger.Warnw("ignoring non JSON-RPC output from stdio target", "target", t.name, "error", err)
		return
	}
	t.inbox.push(msg)
}

func (t *stdioTransport) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStdioLine)
	for scanner.Scan() {
		logger.Debugw("stdio target stderr", "target", t.name, "line", scanner.Text())
	}
}

// readLine reads one newline-terminated line, refusing lines over maxStdioLine.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		buf = append(buf, chunk...)
		if len(buf) > maxStdioLine {
			return nil, fmt.Errorf("line exceeds %d bytes", maxStdioLine)
		}
		if err != nil || !isPrefix {
			return buf, err
		}
	}
}
