package model

import (
	"fmt"
	"unicode/utf16"

	"github.com/ilnaes/jsonpad/crdt/clock"
	"github.com/ilnaes/jsonpad/crdt/patch"
)

// ApplyPatch replays a patch into the document. Replay is idempotent and
// order-tolerant: operations whose whole id range is already below the
// clock's high-water-mark are skipped, and individual operations that cannot
// be honored are recorded as conflicts (tolerant mode) or abort the patch
// (strict mode).
func (m *Model) ApplyPatch(p *patch.Patch) error {
	if m.opaque != nil {
		// a mutation discards the preserved malformed payload
		m.opaque = nil
	}
	for _, op := range p.Ops() {
		id, span := op.ID(), op.Span()
		if span == 0 {
			continue
		}
		if !m.clock.IsNew(id, span) {
			continue
		}
		if err := m.applyOp(op); err != nil {
			return err
		}
		if m.strict {
			if err := m.Validate(); err != nil {
				return err
			}
		}
		m.clock.Observe(id, span)
	}
	return nil
}

func (m *Model) conflict(id clock.Timestamp, format string, args ...any) error {
	c := Conflict{ID: id, Reason: fmt.Sprintf(format, args...)}
	if m.strict {
		return fmt.Errorf("%w: op %v: %s", ErrConflict, c.ID, c.Reason)
	}
	m.conflicts = append(m.conflicts, c)
	return nil
}

func (m *Model) applyOp(op patch.Op) error {
	switch o := op.(type) {
	case patch.NewCon:
		if _, ok := m.nodes[o.OpID]; !ok {
			m.nodes[o.OpID] = &ConNode{NodeID: o.OpID, Value: o.Value}
		}
	case patch.NewVal:
		if _, ok := m.nodes[o.OpID]; !ok {
			m.nodes[o.OpID] = &ValNode{NodeID: o.OpID}
		}
	case patch.NewObj:
		if _, ok := m.nodes[o.OpID]; !ok {
			m.nodes[o.OpID] = &ObjNode{NodeID: o.OpID}
		}
	case patch.NewVec:
		if _, ok := m.nodes[o.OpID]; !ok {
			m.nodes[o.OpID] = &VecNode{NodeID: o.OpID}
		}
	case patch.NewStr:
		if _, ok := m.nodes[o.OpID]; !ok {
			m.nodes[o.OpID] = &StrNode{NodeID: o.OpID}
		}
	case patch.NewBin:
		if _, ok := m.nodes[o.OpID]; !ok {
			m.nodes[o.OpID] = &BinNode{NodeID: o.OpID}
		}
	case patch.NewArr:
		if _, ok := m.nodes[o.OpID]; !ok {
			m.nodes[o.OpID] = &ArrNode{NodeID: o.OpID}
		}
	case patch.InsVal:
		return m.applyInsVal(o)
	case patch.InsObj:
		return m.applyInsObj(o)
	case patch.InsVec:
		return m.applyInsVec(o)
	case patch.InsStr:
		return m.applyInsStr(o)
	case patch.InsBin:
		return m.applyInsBin(o)
	case patch.InsArr:
		return m.applyInsArr(o)
	case patch.UpdArr:
		return m.applyUpdArr(o)
	case patch.Del:
		return m.applyDel(o)
	case patch.Nop:
	}
	return nil
}

func (m *Model) applyInsVal(o patch.InsVal) error {
	if _, ok := m.nodes[o.Val]; !ok {
		return m.conflict(o.OpID, "ins_val: value node %v does not exist", o.Val)
	}
	if o.Obj.IsZero() {
		// root register: highest value id wins
		if m.root.IsZero() || m.root.Compare(o.Val) < 0 {
			m.root = o.Val
		}
		return nil
	}
	reg, ok := m.nodes[o.Obj].(*ValNode)
	if !ok {
		return m.conflict(o.OpID, "ins_val: target %v is not a val node", o.Obj)
	}
	// ignore writes that lose against the current child or against the
	// register's own id
	if !reg.Child.IsZero() && o.Val.Compare(reg.Child) <= 0 {
		return nil
	}
	if o.Val.Compare(o.Obj) <= 0 {
		return nil
	}
	reg.Child = o.Val
	return nil
}

func (m *Model) applyInsObj(o patch.InsObj) error {
	obj, ok := m.nodes[o.Obj].(*ObjNode)
	if !ok {
		return m.conflict(o.OpID, "ins_obj: target %v is not an obj node", o.Obj)
	}
	for _, e := range o.Data {
		if _, ok := m.nodes[e.Val]; !ok {
			if err := m.conflict(o.OpID, "ins_obj: value node %v does not exist", e.Val); err != nil {
				return err
			}
			continue
		}
		// values must be newer than the container itself
		if o.Obj.Time >= e.Val.Time {
			continue
		}
		if old, exists := obj.Get(e.Key); exists {
			if old.Compare(e.Val) >= 0 {
				continue
			}
		}
		obj.put(e.Key, e.Val)
	}
	return nil
}

func (m *Model) applyInsVec(o patch.InsVec) error {
	vec, ok := m.nodes[o.Obj].(*VecNode)
	if !ok {
		return m.conflict(o.OpID, "ins_vec: target %v is not a vec node", o.Obj)
	}
	for _, e := range o.Data {
		if _, ok := m.nodes[e.Val]; !ok {
			if err := m.conflict(o.OpID, "ins_vec: value node %v does not exist", e.Val); err != nil {
				return err
			}
			continue
		}
		if o.Obj.Time >= e.Val.Time {
			continue
		}
		for uint64(len(vec.Elems)) <= e.Index {
			vec.Elems = append(vec.Elems, clock.Timestamp{})
		}
		old := vec.Elems[e.Index]
		if !old.IsZero() && old.Compare(e.Val) >= 0 {
			continue
		}
		vec.Elems[e.Index] = e.Val
	}
	return nil
}

func (m *Model) applyInsStr(o patch.InsStr) error {
	str, ok := m.nodes[o.Obj].(*StrNode)
	if !ok {
		return m.conflict(o.OpID, "ins_str: target %v is not a str node", o.Obj)
	}
	if seqContains(str.Chunks, o.OpID) {
		return nil
	}
	chunks, pos, ok := seqFindInsert(str.Chunks, o.Ref, o.Obj, o.OpID)
	if !ok {
		return m.conflict(o.OpID, "ins_str: anchor %v does not exist", o.Ref)
	}
	units := utf16.Encode([]rune(o.Text))
	if len(units) == 0 {
		return nil
	}
	str.Chunks = insertChunks(chunks, pos, &Chunk{
		ID:   o.OpID,
		Span: uint64(len(units)),
		Text: units,
	})
	return nil
}

func (m *Model) applyInsBin(o patch.InsBin) error {
	bin, ok := m.nodes[o.Obj].(*BinNode)
	if !ok {
		return m.conflict(o.OpID, "ins_bin: target %v is not a bin node", o.Obj)
	}
	if seqContains(bin.Chunks, o.OpID) {
		return nil
	}
	chunks, pos, ok := seqFindInsert(bin.Chunks, o.Ref, o.Obj, o.OpID)
	if !ok {
		return m.conflict(o.OpID, "ins_bin: anchor %v does not exist", o.Ref)
	}
	if len(o.Data) == 0 {
		return nil
	}
	bin.Chunks = insertChunks(chunks, pos, &Chunk{
		ID:   o.OpID,
		Span: uint64(len(o.Data)),
		Data: append([]byte(nil), o.Data...),
	})
	return nil
}

func (m *Model) applyInsArr(o patch.InsArr) error {
	arr, ok := m.nodes[o.Obj].(*ArrNode)
	if !ok {
		return m.conflict(o.OpID, "ins_arr: target %v is not an arr node", o.Obj)
	}
	if seqContains(arr.Chunks, o.OpID) {
		return nil
	}
	chunks, pos, ok := seqFindInsert(arr.Chunks, o.Ref, o.Obj, o.OpID)
	if !ok {
		return m.conflict(o.OpID, "ins_arr: anchor %v does not exist", o.Ref)
	}
	if len(o.Data) == 0 {
		return nil
	}
	// every inserted position is materialized so it stays addressable;
	// elements whose value node is unusable come in pre-tombstoned
	add := make([]*Chunk, 0, 1)
	flush := func(start int, refs []clock.Timestamp, dead bool) {
		c := &Chunk{
			ID:   clock.Timestamp{Sid: o.OpID.Sid, Time: o.OpID.Time + uint64(start)},
			Span: uint64(len(refs)),
			Del:  dead,
		}
		if !dead {
			c.Refs = append([]clock.Timestamp(nil), refs...)
		}
		add = append(add, c)
	}
	runStart := 0
	runDead := false
	for i, vid := range o.Data {
		_, exists := m.nodes[vid]
		dead := !exists || o.Obj.Time >= vid.Time
		if !exists {
			if err := m.conflict(o.OpID, "ins_arr: value node %v does not exist", vid); err != nil {
				return err
			}
		}
		if i == 0 {
			runDead = dead
			continue
		}
		if dead != runDead {
			flush(runStart, o.Data[runStart:i], runDead)
			runStart, runDead = i, dead
		}
	}
	flush(runStart, o.Data[runStart:], runDead)
	arr.Chunks = insertChunks(chunks, pos, add...)
	return nil
}

func (m *Model) applyUpdArr(o patch.UpdArr) error {
	arr, ok := m.nodes[o.Obj].(*ArrNode)
	if !ok {
		return m.conflict(o.OpID, "upd_arr: target %v is not an arr node", o.Obj)
	}
	if _, ok := m.nodes[o.Val]; !ok {
		return m.conflict(o.OpID, "upd_arr: value node %v does not exist", o.Val)
	}
	c, offset, ok := seqFind(arr.Chunks, o.Ref)
	if !ok {
		return m.conflict(o.OpID, "upd_arr: slot %v does not exist", o.Ref)
	}
	// deleted slots stay deleted
	if c.Del {
		return nil
	}
	if c.Refs[offset].Compare(o.Val) >= 0 {
		return nil
	}
	c.Refs[offset] = o.Val
	return nil
}

func (m *Model) applyDel(o patch.Del) error {
	node, ok := m.nodes[o.Obj]
	if !ok {
		return m.conflict(o.OpID, "del: target %v does not exist", o.Obj)
	}
	switch n := node.(type) {
	case *StrNode:
		for _, ts := range o.What {
			n.Chunks = seqDelete(n.Chunks, ts)
		}
	case *BinNode:
		for _, ts := range o.What {
			n.Chunks = seqDelete(n.Chunks, ts)
		}
	case *ArrNode:
		for _, ts := range o.What {
			n.Chunks = seqDelete(n.Chunks, ts)
		}
	default:
		return m.conflict(o.OpID, "del: target %v is not a sequence node", o.Obj)
	}
	return nil
}
