package patch

import (
	"errors"
	"fmt"

	"github.com/ilnaes/jsonpad/crdt/clock"
	"github.com/ilnaes/jsonpad/crdt/wire"
)

var ErrNonCanonicalID = errors.New("patch: non-canonical op id")

// New assembles a patch from operations and produces its canonical wire
// encoding. Ops must carry contiguous ids from a single session starting at
// ops[0].ID(); anything else is an encoding error, not a wire condition.
func New(ops []Op) (*Patch, error) {
	if len(ops) == 0 {
		return &Patch{}, nil
	}
	first := ops[0].ID()
	p := &Patch{sid: first.Sid, time: first.Time, ops: ops}

	w := wire.NewWriter()
	w.VU57(first.Sid)
	w.VU57(first.Time)
	w.U8(0xf7) // metadata slot, unused

	w.VU57(uint64(len(ops)))
	next := first
	for _, op := range ops {
		id := op.ID()
		if id != next {
			return nil, fmt.Errorf("%w: got %v, want %v", ErrNonCanonicalID, id, next)
		}
		if err := encodeOp(w, first.Sid, op); err != nil {
			return nil, err
		}
		span := op.Span()
		p.span += span
		next = clock.Timestamp{Sid: first.Sid, Time: id.Time + span}
	}
	p.bytes = w.Bytes()
	return p, nil
}

func encodeID(w *wire.Writer, patchSid uint64, id clock.Timestamp) {
	if id.Sid == patchSid {
		w.B1VU56(0, id.Time)
		return
	}
	w.B1VU56(1, id.Time)
	w.VU57(id.Sid)
}

// opcode<<3 with the length packed in the low 3 bits when it fits; zero low
// bits means the length follows as a vu57.
func encodeHeader(w *wire.Writer, opcode byte, length uint64) {
	if length >= 1 && length <= 7 {
		w.U8(opcode<<3 | byte(length))
		return
	}
	w.U8(opcode << 3)
	w.VU57(length)
}

func encodeOp(w *wire.Writer, patchSid uint64, op Op) error {
	switch o := op.(type) {
	case NewCon:
		if o.Value.Ref != nil {
			w.U8(0<<3 | 1)
			encodeID(w, patchSid, *o.Value.Ref)
			return nil
		}
		w.U8(0 << 3)
		if o.Value.Raw != nil {
			w.Raw(o.Value.Raw)
			return nil
		}
		return w.WriteJSON(o.Value.Value)
	case NewVal:
		w.U8(1 << 3)
	case NewObj:
		w.U8(2 << 3)
	case NewVec:
		w.U8(3 << 3)
	case NewStr:
		w.U8(4 << 3)
	case NewBin:
		w.U8(5 << 3)
	case NewArr:
		w.U8(6 << 3)
	case InsVal:
		w.U8(9 << 3)
		encodeID(w, patchSid, o.Obj)
		encodeID(w, patchSid, o.Val)
	case InsObj:
		encodeHeader(w, 10, uint64(len(o.Data)))
		encodeID(w, patchSid, o.Obj)
		for _, e := range o.Data {
			w.WriteText(e.Key)
			encodeID(w, patchSid, e.Val)
		}
	case InsVec:
		encodeHeader(w, 11, uint64(len(o.Data)))
		encodeID(w, patchSid, o.Obj)
		for _, e := range o.Data {
			w.U8(byte(e.Index))
			encodeID(w, patchSid, e.Val)
		}
	case InsStr:
		encodeHeader(w, 12, uint64(len(o.Text)))
		encodeID(w, patchSid, o.Obj)
		encodeID(w, patchSid, o.Ref)
		w.Raw([]byte(o.Text))
	case InsBin:
		encodeHeader(w, 13, uint64(len(o.Data)))
		encodeID(w, patchSid, o.Obj)
		encodeID(w, patchSid, o.Ref)
		w.Raw(o.Data)
	case InsArr:
		encodeHeader(w, 14, uint64(len(o.Data)))
		encodeID(w, patchSid, o.Obj)
		encodeID(w, patchSid, o.Ref)
		for _, v := range o.Data {
			encodeID(w, patchSid, v)
		}
	case UpdArr:
		w.U8(15 << 3)
		encodeID(w, patchSid, o.Obj)
		encodeID(w, patchSid, o.Ref)
		encodeID(w, patchSid, o.Val)
	case Del:
		encodeHeader(w, 16, uint64(len(o.What)))
		encodeID(w, patchSid, o.Obj)
		for _, ts := range o.What {
			encodeID(w, patchSid, clock.Timestamp{Sid: ts.Sid, Time: ts.Time})
			w.VU57(ts.Span)
		}
	case Nop:
		encodeHeader(w, 17, o.Len)
	default:
		return fmt.Errorf("patch: cannot encode %T", op)
	}
	return nil
}
