package model

import (
	"errors"

	"github.com/ilnaes/jsonpad/crdt/clock"
)

var (
	ErrInvalidBinary = errors.New("model: invalid binary")
	ErrRejected      = errors.New("model: rejected payload")
	ErrConflict      = errors.New("model: conflicting operation")
)

// Conflict records an operation (or part of one) that the apply engine could
// not honor: a dangling reference, a lost LWW race against a tombstone, or a
// write to a node of the wrong kind. In tolerant mode conflicts are recorded
// and skipped; in strict mode the first conflict aborts the patch.
type Conflict struct {
	ID     clock.Timestamp
	Reason string
}

// Model is a JSON CRDT document: a logical clock, a node graph, and a root
// register. The zero root views as null.
type Model struct {
	nodes map[clock.Timestamp]Node
	root  clock.Timestamp

	clock *clock.Clock

	// server-clock documents re-encode in the compact server form
	server     bool
	serverTime uint64

	// original bytes of a malformed-but-accepted payload; dropped on the
	// first mutation
	opaque []byte

	strict    bool
	conflicts []Conflict
}

// New creates an empty logical-clock document owned by the given session.
func New(sid uint64) *Model {
	return &Model{
		nodes: make(map[clock.Timestamp]Node),
		clock: clock.New(sid),
	}
}

// NewServer creates an empty server-clock document. Server documents use the
// reserved session 1 and encode ids as bare times.
func NewServer() *Model {
	m := New(clock.SessionServer)
	m.server = true
	return m
}

func (m *Model) Clock() *clock.Clock { return m.clock }
func (m *Model) SID() uint64         { return m.clock.SID() }

// Root returns the current root value node id; ok is false when the root was
// never set.
func (m *Model) Root() (clock.Timestamp, bool) {
	return m.root, !m.root.IsZero()
}

// Node looks up a node by id.
func (m *Model) Node(id clock.Timestamp) (Node, bool) {
	n, ok := m.nodes[id]
	return n, ok
}

// SetStrict switches the apply engine between tolerant and strict modes.
func (m *Model) SetStrict(on bool) { m.strict = on }

// Conflicts returns everything the apply engine has skipped so far.
func (m *Model) Conflicts() []Conflict { return m.conflicts }

// Fork clones the document under a new session id. Server documents cannot
// change identity and fork into plain copies.
func (m *Model) Fork(sid uint64) *Model {
	next := &Model{
		nodes:      make(map[clock.Timestamp]Node, len(m.nodes)),
		root:       m.root,
		server:     m.server,
		serverTime: m.serverTime,
		strict:     m.strict,
	}
	if m.opaque != nil {
		next.opaque = append([]byte(nil), m.opaque...)
	}
	if m.server {
		next.clock = m.clock.Clone()
	} else {
		next.clock = m.clock.Fork(sid)
	}
	for id, n := range m.nodes {
		next.nodes[id] = cloneNode(n)
	}
	next.conflicts = append([]Conflict(nil), m.conflicts...)
	return next
}

// Clone copies the document under the same session.
func (m *Model) Clone() *Model { return m.Fork(m.clock.SID()) }

func cloneNode(n Node) Node {
	switch v := n.(type) {
	case *ConNode:
		out := *v
		return &out
	case *ValNode:
		out := *v
		return &out
	case *ObjNode:
		out := &ObjNode{NodeID: v.NodeID}
		out.Entries = append([]ObjField(nil), v.Entries...)
		return out
	case *VecNode:
		out := &VecNode{NodeID: v.NodeID}
		out.Elems = append([]clock.Timestamp(nil), v.Elems...)
		return out
	case *StrNode:
		out := &StrNode{NodeID: v.NodeID, Chunks: cloneChunks(v.Chunks)}
		return out
	case *BinNode:
		out := &BinNode{NodeID: v.NodeID, Chunks: cloneChunks(v.Chunks)}
		return out
	case *ArrNode:
		out := &ArrNode{NodeID: v.NodeID, Chunks: cloneChunks(v.Chunks)}
		return out
	}
	return n
}

func cloneChunks(chunks []*Chunk) []*Chunk {
	out := make([]*Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = c.clone()
	}
	return out
}
