package model

import (
	"fmt"
	"unicode/utf16"

	"github.com/ilnaes/jsonpad/crdt/clock"
	"github.com/ilnaes/jsonpad/crdt/wire"
)

// ToBinary encodes the document snapshot. Logical documents produce
// `[u32 root length][root nodes][clock table]`; server documents produce
// `0x80 [vu57 time][root nodes]`. Payloads that decoded as opaque are
// returned unchanged.
func (m *Model) ToBinary() ([]byte, error) {
	if m.opaque != nil {
		return append([]byte(nil), m.opaque...), nil
	}
	if m.server {
		return m.encodeServer()
	}
	return m.encodeLogical()
}

func (m *Model) encodeServer() ([]byte, error) {
	w := wire.NewWriter()
	w.U8(0x80)
	t := m.serverTime
	if latest := m.clock.Latest(clock.SessionServer); latest > t {
		t = latest
	}
	w.VU57(t)
	enc := &encoder{m: m, w: w, server: true}
	if err := enc.root(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (m *Model) encodeLogical() ([]byte, error) {
	root := wire.NewWriter()
	enc := &encoder{m: m, w: root, clk: newClockEncoder(m.clock)}
	if err := enc.root(); err != nil {
		return nil, err
	}

	w := wire.NewWriter()
	w.U32BE(uint32(root.Len()))
	w.Raw(root.Bytes())
	table := enc.clk.table
	w.VU57(uint64(len(table)))
	for _, e := range table {
		w.VU57(e.sid)
		w.VU57(e.base)
	}
	return w.Bytes(), nil
}

// clockEncoder assigns session indexes lazily in first-use order. The first
// table entry is always the local session at its high-water-mark; ids are
// stored as (index, base-time) deltas against the table.
type clockEncoder struct {
	bySid map[uint64]int
	table []clockBase
	clk   *clock.Clock
}

type clockBase struct {
	sid  uint64
	base uint64
}

func newClockEncoder(clk *clock.Clock) *clockEncoder {
	local := clk.SID()
	enc := &clockEncoder{
		bySid: map[uint64]int{local: 0},
		table: []clockBase{{sid: local, base: clk.Latest(local)}},
		clk:   clk,
	}
	return enc
}

func (e *clockEncoder) ref(id clock.Timestamp) (index uint64, diff uint64, err error) {
	idx, ok := e.bySid[id.Sid]
	if !ok {
		base := e.clk.Latest(id.Sid)
		if base == 0 {
			base = e.table[0].base
		}
		idx = len(e.table)
		e.bySid[id.Sid] = idx
		e.table = append(e.table, clockBase{sid: id.Sid, base: base})
	}
	base := e.table[idx].base
	if id.Time > base {
		return 0, 0, fmt.Errorf("%w: id %v above clock base %d", ErrInvalidBinary, id, base)
	}
	return uint64(idx) + 1, base - id.Time, nil
}

type encoder struct {
	m      *Model
	w      *wire.Writer
	clk    *clockEncoder
	server bool
}

func (e *encoder) root() error {
	root, ok := e.m.Root()
	if !ok {
		e.w.U8(0)
		return nil
	}
	return e.node(root)
}

func (e *encoder) id(id clock.Timestamp) error {
	if e.server {
		e.w.VU57(id.Time)
		return nil
	}
	if id.Sid == clock.SessionSystem {
		// session index 0 carries an absolute time
		if id.Time <= 0b1111 {
			e.w.U8(byte(id.Time))
		} else {
			e.w.B1VU56(1, 0)
			e.w.VU57(id.Time)
		}
		return nil
	}
	index, diff, err := e.clk.ref(id)
	if err != nil {
		return err
	}
	if index <= 0b111 && diff <= 0b1111 {
		e.w.U8(byte(index)<<4 | byte(diff))
		return nil
	}
	e.w.B1VU56(1, index)
	e.w.VU57(diff)
	return nil
}

// tag writes the node kind header: major<<5 with the length inline below 31,
// else a vu57 extension.
func (e *encoder) tag(major byte, length uint64) {
	if length < 31 {
		e.w.U8(major<<5 | byte(length))
		return
	}
	e.w.U8(major<<5 | 31)
	e.w.VU57(length)
}

func (e *encoder) node(id clock.Timestamp) error {
	node, ok := e.m.nodes[id]
	if !ok {
		return fmt.Errorf("%w: dangling node reference %v", ErrInvalidBinary, id)
	}
	if err := e.id(id); err != nil {
		return err
	}
	switch n := node.(type) {
	case *ConNode:
		if n.Value.Ref != nil {
			e.w.U8(0<<5 | 1)
			return e.id(*n.Value.Ref)
		}
		e.w.U8(0 << 5)
		if n.Value.Raw != nil {
			e.w.Raw(n.Value.Raw)
			return nil
		}
		return e.w.WriteJSON(n.Value.Value)
	case *ValNode:
		e.w.U8(1 << 5)
		if n.Child.IsZero() {
			// an unwritten register encodes as the undefined constant at
			// the origin
			if err := e.id(clock.Timestamp{}); err != nil {
				return err
			}
			e.w.U8(0 << 5)
			e.w.U8(0xf7)
			return nil
		}
		return e.node(n.Child)
	case *ObjNode:
		e.tag(2, uint64(len(n.Entries)))
		for _, f := range n.Entries {
			e.w.WriteText(f.Key)
			if err := e.node(f.Val); err != nil {
				return err
			}
		}
	case *VecNode:
		e.tag(3, uint64(len(n.Elems)))
		for _, el := range n.Elems {
			if el.IsZero() {
				e.w.U8(0)
				continue
			}
			if err := e.node(el); err != nil {
				return err
			}
		}
	case *StrNode:
		chunks := coalesce(n.Chunks)
		e.tag(4, uint64(len(chunks)))
		for _, c := range chunks {
			if err := e.id(c.ID); err != nil {
				return err
			}
			if c.Del {
				e.w.WriteMajorLen(0, c.Span)
			} else {
				e.w.WriteText(string(utf16.Decode(c.Text)))
			}
		}
	case *BinNode:
		chunks := coalesce(n.Chunks)
		e.tag(5, uint64(len(chunks)))
		for _, c := range chunks {
			if err := e.id(c.ID); err != nil {
				return err
			}
			if c.Del {
				e.w.B1VU56(1, c.Span)
			} else {
				e.w.B1VU56(0, c.Span)
				e.w.Raw(c.Data)
			}
		}
	case *ArrNode:
		chunks := coalesce(n.Chunks)
		e.tag(6, uint64(len(chunks)))
		for _, c := range chunks {
			if err := e.id(c.ID); err != nil {
				return err
			}
			if c.Del {
				e.w.B1VU56(1, c.Span)
				continue
			}
			e.w.B1VU56(0, c.Span)
			for _, ref := range c.Refs {
				if err := e.node(ref); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// coalesce merges adjacent chunks that hold consecutive times from the same
// session with the same liveness, so that split-then-rejoined runs encode as
// the single chunk they started as.
func coalesce(chunks []*Chunk) []*Chunk {
	if len(chunks) < 2 {
		return chunks
	}
	out := make([]*Chunk, 0, len(chunks))
	for _, c := range chunks {
		if n := len(out); n > 0 {
			prev := out[n-1]
			if prev.ID.Sid == c.ID.Sid && prev.Del == c.Del &&
				prev.ID.Time+prev.Span == c.ID.Time {
				merged := prev.clone()
				merged.Span += c.Span
				if !c.Del {
					merged.Text = append(merged.Text, c.Text...)
					merged.Data = append(merged.Data, c.Data...)
					merged.Refs = append(merged.Refs, c.Refs...)
				}
				out[n-1] = merged
				continue
			}
		}
		out = append(out, c)
	}
	return out
}
