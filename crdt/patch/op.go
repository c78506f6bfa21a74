// Package patch implements the JSON CRDT patch: an ordered, self-contained
// list of operations with a compact binary wire codec and a canonical
// builder.
package patch

import (
	"github.com/ilnaes/jsonpad/crdt/clock"
)

// ConValue is the payload of a NewCon operation: either a JSON value
// (wire.Undefined{} for the undefined constant) or a timestamp reference.
type ConValue struct {
	Value any
	Ref   *clock.Timestamp

	// Raw preserves the exact CBOR bytes the value decoded from, so that
	// re-encoding reproduces the original payload (map entry order is not
	// recoverable from the Go value alone).
	Raw []byte
}

// Op is one CRDT operation. The concrete type set is closed and fixed by
// the wire format.
type Op interface {
	ID() clock.Timestamp
	Span() uint64
}

type NewCon struct {
	OpID  clock.Timestamp
	Value ConValue
}

type NewVal struct{ OpID clock.Timestamp }
type NewObj struct{ OpID clock.Timestamp }
type NewVec struct{ OpID clock.Timestamp }
type NewStr struct{ OpID clock.Timestamp }
type NewBin struct{ OpID clock.Timestamp }
type NewArr struct{ OpID clock.Timestamp }

// InsVal writes a Val register. Obj (0,0) targets the document root.
type InsVal struct {
	OpID clock.Timestamp
	Obj  clock.Timestamp
	Val  clock.Timestamp
}

type ObjEntry struct {
	Key string
	Val clock.Timestamp
}

type InsObj struct {
	OpID clock.Timestamp
	Obj  clock.Timestamp
	Data []ObjEntry
}

type VecEntry struct {
	Index uint64
	Val   clock.Timestamp
}

type InsVec struct {
	OpID clock.Timestamp
	Obj  clock.Timestamp
	Data []VecEntry
}

// InsStr inserts text after Ref; Ref equal to Obj (or the zero timestamp)
// means the start of the string.
type InsStr struct {
	OpID clock.Timestamp
	Obj  clock.Timestamp
	Ref  clock.Timestamp
	Text string
}

type InsBin struct {
	OpID clock.Timestamp
	Obj  clock.Timestamp
	Ref  clock.Timestamp
	Data []byte
}

type InsArr struct {
	OpID clock.Timestamp
	Obj  clock.Timestamp
	Ref  clock.Timestamp
	Data []clock.Timestamp
}

// UpdArr replaces the element value at one existing Arr slot.
type UpdArr struct {
	OpID clock.Timestamp
	Obj  clock.Timestamp
	Ref  clock.Timestamp
	Val  clock.Timestamp
}

type Del struct {
	OpID clock.Timestamp
	Obj  clock.Timestamp
	What []clock.Timespan
}

// Nop reserves Len timestamps with no effect.
type Nop struct {
	OpID clock.Timestamp
	Len  uint64
}

func (o NewCon) ID() clock.Timestamp { return o.OpID }
func (o NewVal) ID() clock.Timestamp { return o.OpID }
func (o NewObj) ID() clock.Timestamp { return o.OpID }
func (o NewVec) ID() clock.Timestamp { return o.OpID }
func (o NewStr) ID() clock.Timestamp { return o.OpID }
func (o NewBin) ID() clock.Timestamp { return o.OpID }
func (o NewArr) ID() clock.Timestamp { return o.OpID }
func (o InsVal) ID() clock.Timestamp { return o.OpID }
func (o InsObj) ID() clock.Timestamp { return o.OpID }
func (o InsVec) ID() clock.Timestamp { return o.OpID }
func (o InsStr) ID() clock.Timestamp { return o.OpID }
func (o InsBin) ID() clock.Timestamp { return o.OpID }
func (o InsArr) ID() clock.Timestamp { return o.OpID }
func (o UpdArr) ID() clock.Timestamp { return o.OpID }
func (o Del) ID() clock.Timestamp    { return o.OpID }
func (o Nop) ID() clock.Timestamp    { return o.OpID }

func (o NewCon) Span() uint64 { return 1 }
func (o NewVal) Span() uint64 { return 1 }
func (o NewObj) Span() uint64 { return 1 }
func (o NewVec) Span() uint64 { return 1 }
func (o NewStr) Span() uint64 { return 1 }
func (o NewBin) Span() uint64 { return 1 }
func (o NewArr) Span() uint64 { return 1 }
func (o InsVal) Span() uint64 { return 1 }
func (o InsObj) Span() uint64 { return 1 }
func (o InsVec) Span() uint64 { return 1 }

// String insert spans are measured in UTF-16 code units: surrogate pairs
// count as two. This governs clock advancement, not the wire length field.
func (o InsStr) Span() uint64 { return UTF16Len(o.Text) }

func (o InsBin) Span() uint64 { return uint64(len(o.Data)) }
func (o InsArr) Span() uint64 { return uint64(len(o.Data)) }
func (o UpdArr) Span() uint64 { return 1 }
func (o Del) Span() uint64    { return 1 }
func (o Nop) Span() uint64    { return o.Len }

// UTF16Len counts the UTF-16 code units of a string: code points above the
// BMP take a surrogate pair.
func UTF16Len(s string) uint64 {
	var n uint64
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
