// Package document defines the shared-document capability a room owns.
//
// The hub never looks inside a document. It feeds it update frames, asks it
// for the state frames a joining client needs, takes a full-state snapshot
// when the room empties and replays that snapshot into a fresh document when
// the room becomes active again. Merge
// semantics live entirely behind this interface.
package document

import "errors"

var (
	ErrClosed            = errors.New("document closed")
	ErrMalformedUpdate   = errors.New("malformed update")
	ErrMalformedSnapshot = errors.New("malformed snapshot")
)

// UpdateHandler receives every change the document accepts. origin is the
// value passed to ApplyUpdate and lets subscribers skip the originator.
type UpdateHandler func(update []byte, origin any)

type Document interface {
	// ApplyUpdate merges one update frame. Handlers registered with OnUpdate
	// run before ApplyUpdate returns, in the order updates were accepted.
	ApplyUpdate(update []byte, origin any) error
	// EncodeSnapshot returns the full merged state.
	EncodeSnapshot() ([]byte, error)
	// DecodeSnapshot loads a state produced by EncodeSnapshot. It does not
	// notify update handlers.
	DecodeSnapshot(snapshot []byte) error
	// StateUpdates returns the frames that bring a client holding no state up
	// to the current one, in the order they must be applied.
	StateUpdates() ([][]byte, error)
	OnUpdate(fn UpdateHandler)
	Close() error
}

// Factory builds an empty document.
type Factory func() Document
