package model

import (
	"unicode/utf16"

	"github.com/ilnaes/jsonpad/crdt/clock"
	"github.com/ilnaes/jsonpad/crdt/wire"
)

// View materializes the document into plain Go JSON values: nil, bool,
// int64/uint64/float64, string, []byte, []any, map[string]any. A document
// with no root views as nil.
func (m *Model) View() any {
	if m.root.IsZero() {
		return nil
	}
	v, ok := m.nodeView(m.root)
	if !ok {
		return nil
	}
	return v
}

// nodeView returns a node's view; ok is false for undefined constants and
// missing nodes, which object views omit and array views skip.
func (m *Model) nodeView(id clock.Timestamp) (any, bool) {
	node, ok := m.nodes[id]
	if !ok {
		return nil, false
	}
	switch n := node.(type) {
	case *ConNode:
		if n.Value.Ref != nil {
			return nil, true
		}
		if _, undef := n.Value.Value.(wire.Undefined); undef {
			return nil, false
		}
		return n.Value.Value, true
	case *ValNode:
		if n.Child.IsZero() {
			return nil, true
		}
		v, ok := m.nodeView(n.Child)
		if !ok {
			return nil, true
		}
		return v, true
	case *ObjNode:
		out := make(map[string]any, len(n.Entries))
		for _, e := range n.Entries {
			if v, ok := m.nodeView(e.Val); ok {
				out[e.Key] = v
			}
		}
		return out, true
	case *VecNode:
		out := make([]any, len(n.Elems))
		for i, el := range n.Elems {
			if el.IsZero() {
				continue
			}
			if v, ok := m.nodeView(el); ok {
				out[i] = v
			}
		}
		return out, true
	case *StrNode:
		var units []uint16
		for _, c := range n.Chunks {
			if !c.Del {
				units = append(units, c.Text...)
			}
		}
		return string(utf16.Decode(units)), true
	case *BinNode:
		out := []byte{}
		for _, c := range n.Chunks {
			if !c.Del {
				out = append(out, c.Data...)
			}
		}
		return out, true
	case *ArrNode:
		out := []any{}
		for _, c := range n.Chunks {
			if c.Del {
				continue
			}
			for _, ref := range c.Refs {
				if v, ok := m.nodeView(ref); ok {
					out = append(out, v)
				}
			}
		}
		return out, true
	}
	return nil, false
}

// Length reports the visible length of a sequence node (UTF-16 code units,
// bytes, or live elements).
func (m *Model) Length(id clock.Timestamp) int {
	node, ok := m.nodes[id]
	if !ok {
		return 0
	}
	total := 0
	switch n := node.(type) {
	case *StrNode:
		for _, c := range n.Chunks {
			if !c.Del {
				total += len(c.Text)
			}
		}
	case *BinNode:
		for _, c := range n.Chunks {
			if !c.Del {
				total += len(c.Data)
			}
		}
	case *ArrNode:
		for _, c := range n.Chunks {
			if !c.Del {
				total += len(c.Refs)
			}
		}
	}
	return total
}

// FindSlot returns the id of the index-th visible position of a sequence
// node.
func (m *Model) FindSlot(id clock.Timestamp, index int) (clock.Timestamp, bool) {
	node, ok := m.nodes[id]
	if !ok {
		return clock.Timestamp{}, false
	}
	var chunks []*Chunk
	switch n := node.(type) {
	case *StrNode:
		chunks = n.Chunks
	case *BinNode:
		chunks = n.Chunks
	case *ArrNode:
		chunks = n.Chunks
	default:
		return clock.Timestamp{}, false
	}
	seen := 0
	for _, c := range chunks {
		if c.Del {
			continue
		}
		if index < seen+int(c.Span) {
			off := uint64(index - seen)
			return clock.Timestamp{Sid: c.ID.Sid, Time: c.ID.Time + off}, true
		}
		seen += int(c.Span)
	}
	return clock.Timestamp{}, false
}

// FindInterval collects the visible positions [index, index+count) of a
// sequence node as coalesced timespans, ready to feed a delete operation.
func (m *Model) FindInterval(id clock.Timestamp, index, count int) []clock.Timespan {
	node, ok := m.nodes[id]
	if !ok || count <= 0 {
		return nil
	}
	var chunks []*Chunk
	switch n := node.(type) {
	case *StrNode:
		chunks = n.Chunks
	case *BinNode:
		chunks = n.Chunks
	case *ArrNode:
		chunks = n.Chunks
	default:
		return nil
	}
	var out []clock.Timespan
	seen := 0
	remaining := count
	for _, c := range chunks {
		if c.Del {
			continue
		}
		span := int(c.Span)
		if seen+span <= index {
			seen += span
			continue
		}
		start := 0
		if index > seen {
			start = index - seen
		}
		take := span - start
		if take > remaining {
			take = remaining
		}
		first := clock.Timestamp{Sid: c.ID.Sid, Time: c.ID.Time + uint64(start)}
		if n := len(out); n > 0 && out[n-1].Sid == first.Sid &&
			out[n-1].Time+out[n-1].Span == first.Time {
			out[n-1].Span += uint64(take)
		} else {
			out = append(out, clock.Timespan{Sid: first.Sid, Time: first.Time, Span: uint64(take)})
		}
		remaining -= take
		if remaining == 0 {
			break
		}
		seen += span
	}
	return out
}
