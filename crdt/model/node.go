// Package model implements the JSON CRDT document: a node graph addressed by
// logical timestamps, materialized into a plain JSON view, with a binary
// codec for snapshots.
package model

import (
	"github.com/ilnaes/jsonpad/crdt/clock"
	"github.com/ilnaes/jsonpad/crdt/patch"
)

type Kind int

const (
	KindCon Kind = iota
	KindVal
	KindObj
	KindVec
	KindStr
	KindBin
	KindArr
)

// Node is one vertex of the document graph. Nodes are created by operations
// and never removed; unreachable nodes simply stop contributing to the view.
type Node interface {
	ID() clock.Timestamp
	Kind() Kind
}

// ConNode is an immutable constant.
type ConNode struct {
	NodeID clock.Timestamp
	Value  patch.ConValue
}

// ValNode is a last-write-wins register. A zero Child means the register was
// never written and views as undefined.
type ValNode struct {
	NodeID clock.Timestamp
	Child  clock.Timestamp
}

type ObjField struct {
	Key string
	Val clock.Timestamp
}

// ObjNode is a last-write-wins string-keyed map. Entry order is insertion
// order, which the binary codec preserves.
type ObjNode struct {
	NodeID  clock.Timestamp
	Entries []ObjField
}

// VecNode is a last-write-wins indexed vector. A zero element is an empty
// slot.
type VecNode struct {
	NodeID clock.Timestamp
	Elems  []clock.Timestamp
}

// Chunk is a run of consecutive logical positions inside one sequence node,
// created atomically by a single insert. A tombstoned chunk keeps its id and
// span forever so later inserts can still anchor inside the deleted range.
type Chunk struct {
	ID   clock.Timestamp
	Span uint64
	Del  bool

	// exactly one of these is populated on a live chunk, by node kind
	Text []uint16
	Data []byte
	Refs []clock.Timestamp
}

// StrNode is an RGA sequence of text. One chunk position corresponds to one
// UTF-16 code unit, matching the span accounting of the originating insert
// op, so anchors can land on either half of a surrogate pair.
type StrNode struct {
	NodeID clock.Timestamp
	Chunks []*Chunk
}

// BinNode is an RGA sequence of bytes.
type BinNode struct {
	NodeID clock.Timestamp
	Chunks []*Chunk
}

// ArrNode is an RGA sequence of node references.
type ArrNode struct {
	NodeID clock.Timestamp
	Chunks []*Chunk
}

func (n *ConNode) ID() clock.Timestamp { return n.NodeID }
func (n *ValNode) ID() clock.Timestamp { return n.NodeID }
func (n *ObjNode) ID() clock.Timestamp { return n.NodeID }
func (n *VecNode) ID() clock.Timestamp { return n.NodeID }
func (n *StrNode) ID() clock.Timestamp { return n.NodeID }
func (n *BinNode) ID() clock.Timestamp { return n.NodeID }
func (n *ArrNode) ID() clock.Timestamp { return n.NodeID }

func (n *ConNode) Kind() Kind { return KindCon }
func (n *ValNode) Kind() Kind { return KindVal }
func (n *ObjNode) Kind() Kind { return KindObj }
func (n *VecNode) Kind() Kind { return KindVec }
func (n *StrNode) Kind() Kind { return KindStr }
func (n *BinNode) Kind() Kind { return KindBin }
func (n *ArrNode) Kind() Kind { return KindArr }

// Get looks up the obj entry for a key; later writes shadow earlier ones.
func (n *ObjNode) Get(key string) (clock.Timestamp, bool) {
	for i := len(n.Entries) - 1; i >= 0; i-- {
		if n.Entries[i].Key == key {
			return n.Entries[i].Val, true
		}
	}
	return clock.Timestamp{}, false
}

func (n *ObjNode) put(key string, val clock.Timestamp) {
	for i := range n.Entries {
		if n.Entries[i].Key == key {
			n.Entries[i].Val = val
			return
		}
	}
	n.Entries = append(n.Entries, ObjField{Key: key, Val: val})
}

func (c *Chunk) clone() *Chunk {
	out := &Chunk{ID: c.ID, Span: c.Span, Del: c.Del}
	if c.Text != nil {
		out.Text = append([]uint16(nil), c.Text...)
	}
	if c.Data != nil {
		out.Data = append([]byte(nil), c.Data...)
	}
	if c.Refs != nil {
		out.Refs = append([]clock.Timestamp(nil), c.Refs...)
	}
	return out
}

// covers reports whether the chunk's time range contains (sid, time).
func (c *Chunk) covers(id clock.Timestamp) bool {
	return c.ID.Sid == id.Sid && id.Time >= c.ID.Time && id.Time < c.ID.Time+c.Span
}
