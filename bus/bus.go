// Package bus models the message-bus framework the core detectors consume
// records from and emit alerts to. Per spec §1 the real bus runtime (wire
// format, reconnection, topic routing) is an external collaborator — this
// package only captures the `receive(record, size)` / `send(ifc, buf,
// len)` contract the core actually depends on, plus an in-memory
// implementation used by the `replay` CLI command and by tests.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/activecm/flowsentry/record"
)

// ErrTerminated is returned by Receive once the bus has been closed and
// drained; it is the "Bus terminated" error kind of spec §7 and is always
// terminal for the calling event loop.
var ErrTerminated = errors.New("bus: terminated")

// ErrTransient marks a recoverable receive/send error the caller should log
// and continue past, per spec §7's "Transient bus error" kind.
var ErrTransient = errors.New("bus: transient error")

// Receiver is the inbound half of the bus contract. Receive blocks until a
// record is available, the context is cancelled, or the bus is
// terminated/times out waiting (an implementation-defined poll interval
// that lets the caller run periodic housekeeping, per spec §5).
type Receiver interface {
	Receive(ctx context.Context) (record.Record, error)
}

// SendMode controls how Send behaves when the outbound side is not
// immediately ready, mirroring the source framework's wait / halfwait /
// non-blocking send modes (spec §5).
type SendMode int

const (
	SendWait SendMode = iota
	SendHalfwait
	SendNonBlocking
)

// Sender is the outbound half of the bus contract: alerts (already encoded
// by the alert package) are pushed to an output interface identified by
// name.
type Sender interface {
	Send(ctx context.Context, ifc string, payload []byte, mode SendMode) error
}

// MemoryBus is an in-process Receiver+Sender backed by buffered channels,
// used by the `replay` command to feed a recorded flow file through a
// detector without a real bus deployment, and by package tests that need a
// Receiver without spinning up transport.
type MemoryBus struct {
	records chan record.Record
	out     chan SentMessage

	mu     sync.Mutex
	closed bool
}

// SentMessage is one payload handed to Send, retained by MemoryBus so tests
// and the replay command can inspect emitted alerts.
type SentMessage struct {
	Interface string
	Payload   []byte
}

// NewMemoryBus creates a MemoryBus with the given input/output buffer
// depths.
func NewMemoryBus(inputBuffer, outputBuffer int) *MemoryBus {
	return &MemoryBus{
		records: make(chan record.Record, inputBuffer),
		out:     make(chan SentMessage, outputBuffer),
	}
}

// Push enqueues a record for a future Receive call; used by the replay
// loader. Returns ErrTerminated if the bus has been closed.
func (b *MemoryBus) Push(r record.Record) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrTerminated
	}
	b.records <- r
	return nil
}

// Close signals that no further records will be pushed; pending records in
// the channel are still delivered, after which Receive returns
// ErrTerminated.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.records)
}

// Receive implements Receiver.
func (b *MemoryBus) Receive(ctx context.Context) (record.Record, error) {
	select {
	case r, ok := <-b.records:
		if !ok {
			return record.Record{}, ErrTerminated
		}
		return r, nil
	case <-ctx.Done():
		return record.Record{}, ctx.Err()
	}
}

// Send implements Sender; SendMode is accepted for interface compatibility
// and ignored. When the output channel's buffer is full, Send blocks until
// the harness holding the bus drains it or ctx is cancelled.
func (b *MemoryBus) Send(ctx context.Context, ifc string, payload []byte, _ SendMode) error {
	msg := SentMessage{Interface: ifc, Payload: payload}
	select {
	case b.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent returns the channel of messages published via Send, for draining in
// tests and in the replay command's summary output.
func (b *MemoryBus) Sent() <-chan SentMessage {
	return b.out
}
