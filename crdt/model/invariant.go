package model

import (
	"fmt"
	"sort"

	"github.com/ilnaes/jsonpad/crdt/clock"
)

// Validate checks the structural invariants of the node graph: the root and
// every reference resolve, obj keys are unique, and no two chunks of a
// sequence overlap in their time coverage. The strict apply mode runs this
// after every patch.
func (m *Model) Validate() error {
	if !m.root.IsZero() {
		if _, ok := m.nodes[m.root]; !ok {
			return fmt.Errorf("%w: root %v missing", ErrInvalidBinary, m.root)
		}
	}
	for id, node := range m.nodes {
		if err := m.validateNode(id, node); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) validateNode(id clock.Timestamp, node Node) error {
	switch n := node.(type) {
	case *ConNode:
	case *ValNode:
		if !n.Child.IsZero() {
			if _, ok := m.nodes[n.Child]; !ok {
				return fmt.Errorf("%w: val %v child %v missing", ErrInvalidBinary, id, n.Child)
			}
		}
	case *ObjNode:
		seen := make(map[string]struct{}, len(n.Entries))
		for _, f := range n.Entries {
			if _, dup := seen[f.Key]; dup {
				return fmt.Errorf("%w: obj %v duplicate key %q", ErrInvalidBinary, id, f.Key)
			}
			seen[f.Key] = struct{}{}
			if _, ok := m.nodes[f.Val]; !ok {
				return fmt.Errorf("%w: obj %v key %q child %v missing", ErrInvalidBinary, id, f.Key, f.Val)
			}
		}
	case *VecNode:
		for i, el := range n.Elems {
			if el.IsZero() {
				continue
			}
			if _, ok := m.nodes[el]; !ok {
				return fmt.Errorf("%w: vec %v index %d child %v missing", ErrInvalidBinary, id, i, el)
			}
		}
	case *StrNode:
		return validateChunks(id, n.Chunks, nil)
	case *BinNode:
		return validateChunks(id, n.Chunks, nil)
	case *ArrNode:
		return validateChunks(id, n.Chunks, func(c *Chunk) error {
			for _, ref := range c.Refs {
				if _, ok := m.nodes[ref]; !ok {
					return fmt.Errorf("%w: arr %v slot ref %v missing", ErrInvalidBinary, id, ref)
				}
			}
			return nil
		})
	}
	return nil
}

func validateChunks(id clock.Timestamp, chunks []*Chunk, check func(*Chunk) error) error {
	spans := make([]clock.Timespan, 0, len(chunks))
	for _, c := range chunks {
		if c.Span == 0 {
			return fmt.Errorf("%w: node %v has empty chunk %v", ErrInvalidBinary, id, c.ID)
		}
		if !c.Del {
			var got uint64
			switch {
			case c.Text != nil:
				got = uint64(len(c.Text))
			case c.Data != nil:
				got = uint64(len(c.Data))
			case c.Refs != nil:
				got = uint64(len(c.Refs))
			}
			if got != c.Span {
				return fmt.Errorf("%w: node %v chunk %v content/span mismatch", ErrInvalidBinary, id, c.ID)
			}
		}
		if check != nil && !c.Del {
			if err := check(c); err != nil {
				return err
			}
		}
		spans = append(spans, clock.Timespan{Sid: c.ID.Sid, Time: c.ID.Time, Span: c.Span})
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Sid != spans[j].Sid {
			return spans[i].Sid < spans[j].Sid
		}
		return spans[i].Time < spans[j].Time
	})
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if prev.Sid == cur.Sid && prev.Time+prev.Span > cur.Time {
			return fmt.Errorf("%w: node %v overlapping chunks at %d.%d", ErrInvalidBinary, id, cur.Sid, cur.Time)
		}
	}
	return nil
}
