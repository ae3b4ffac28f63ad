// Package updatelog is a document that keeps every accepted update verbatim.
//
// It suits CRDT clients (Yjs and friends) whose updates commute and are
// idempotent: replaying the retained log into a client reproduces the merged
// state, so the server never needs to understand the update format.
package updatelog

import (
	"encoding/binary"
	"fmt"
	"sync"

	"roomsync/internal/document"
)

type Doc struct {
	mu       sync.Mutex
	updates  [][]byte
	size     int
	handlers []document.UpdateHandler
	closed   bool
}

func New() *Doc { return &Doc{} }

// Factory adapts New to document.Factory.
func Factory() document.Document { return New() }

func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	if len(update) == 0 {
		return document.ErrMalformedUpdate
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return document.ErrClosed
	}
	cp := append([]byte(nil), update...)
	d.updates = append(d.updates, cp)
	d.size += len(cp)
	handlers := d.handlers
	d.mu.Unlock()

	for _, fn := range handlers {
		fn(cp, origin)
	}
	return nil
}

// EncodeSnapshot writes each retained update as a uvarint length followed by
// the update bytes.
func (d *Doc) EncodeSnapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, document.ErrClosed
	}
	out := make([]byte, 0, d.size+len(d.updates)*binary.MaxVarintLen64)
	for _, u := range d.updates {
		out = binary.AppendUvarint(out, uint64(len(u)))
		out = append(out, u...)
	}
	return out, nil
}

func (d *Doc) DecodeSnapshot(snapshot []byte) error {
	var updates [][]byte
	size := 0
	for rest := snapshot; len(rest) > 0; {
		n, read := binary.Uvarint(rest)
		if read <= 0 || n == 0 || uint64(len(rest)-read) < n {
			return fmt.Errorf("%w: bad frame at offset %d", document.ErrMalformedSnapshot, len(snapshot)-len(rest))
		}
		rest = rest[read:]
		updates = append(updates, append([]byte(nil), rest[:n]...))
		size += int(n)
		rest = rest[n:]
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return document.ErrClosed
	}
	d.updates = append(d.updates, updates...)
	d.size += size
	return nil
}

// StateUpdates returns copies of the retained updates in arrival order.
func (d *Doc) StateUpdates() ([][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, document.ErrClosed
	}
	out := make([][]byte, len(d.updates))
	for i, u := range d.updates {
		out[i] = append([]byte(nil), u...)
	}
	return out, nil
}

func (d *Doc) OnUpdate(fn document.UpdateHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, fn)
}

// Len returns the number of retained updates.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.updates)
}

func (d *Doc) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.updates = nil
	d.handlers = nil
	d.size = 0
	return nil
}
