// Package ottext is a plain-text document merged with operational transforms
// from the leaps OT buffer.
package ottext

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Jeffail/leaps/lib/text"

	"roomsync/internal/document"
)

// retentionSeconds bounds how long applied transforms are kept for rebasing
// late edits.
const retentionSeconds = 60

// Op is the wire form of an edit. A zero Version means "based on the latest
// version I have seen from the server" and skips rebasing.
type Op struct {
	Version  int    `json:"version"`
	Position int    `json:"position"`
	Delete   int    `json:"num_delete"`
	Insert   string `json:"insert"`
}

type state struct {
	Content string `json:"content"`
	Version int    `json:"version"`
}

type Doc struct {
	mu       sync.Mutex
	buf      *text.OTBuffer
	content  string
	handlers []document.UpdateHandler
	closed   bool
}

func New() *Doc {
	return &Doc{buf: text.NewOTBuffer("", text.NewOTBufferConfig())}
}

// Factory adapts New to document.Factory.
func Factory() document.Document { return New() }

func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	var op Op
	if err := json.Unmarshal(update, &op); err != nil {
		return fmt.Errorf("%w: %v", document.ErrMalformedUpdate, err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return document.ErrClosed
	}
	before := d.buf.Version
	if op.Version == 0 {
		op.Version = before + 1
	}
	applied, _, err := d.buf.PushTransform(text.OTransform{
		Version:  op.Version,
		Position: op.Position,
		Delete:   op.Delete,
		Insert:   op.Insert,
	})
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %v", document.ErrMalformedUpdate, err)
	}
	next := d.content
	if _, err := d.buf.FlushTransforms(&next, retentionSeconds); err != nil {
		d.reset(d.content, before)
		d.mu.Unlock()
		return fmt.Errorf("%w: %v", document.ErrMalformedUpdate, err)
	}
	d.content = next
	handlers := d.handlers
	d.mu.Unlock()

	out, err := json.Marshal(Op{
		Version:  applied.Version,
		Position: applied.Position,
		Delete:   applied.Delete,
		Insert:   applied.Insert,
	})
	if err != nil {
		return err
	}
	for _, fn := range handlers {
		fn(out, origin)
	}
	return nil
}

func (d *Doc) EncodeSnapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, document.ErrClosed
	}
	return json.Marshal(state{Content: d.content, Version: d.buf.Version})
}

func (d *Doc) DecodeSnapshot(snapshot []byte) error {
	var s state
	if err := json.Unmarshal(snapshot, &s); err != nil {
		return fmt.Errorf("%w: %v", document.ErrMalformedSnapshot, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return document.ErrClosed
	}
	d.reset(s.Content, s.Version)
	return nil
}

// StateUpdates returns a single state frame, the same JSON object as a
// snapshot. Clients base their next edit on its version.
func (d *Doc) StateUpdates() ([][]byte, error) {
	data, err := d.EncodeSnapshot()
	if err != nil {
		return nil, err
	}
	return [][]byte{data}, nil
}

// Text returns the current content.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content
}

func (d *Doc) OnUpdate(fn document.UpdateHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, fn)
}

func (d *Doc) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.handlers = nil
	return nil
}

// reset rebuilds the OT buffer at a known-good state. Callers hold d.mu.
func (d *Doc) reset(content string, version int) {
	d.buf = text.NewOTBuffer(content, text.NewOTBufferConfig())
	if version > 0 {
		d.buf.Version = version
	}
	d.content = content
}
