package patch

import (
	"errors"

	"github.com/ilnaes/jsonpad/crdt/clock"
)

var ErrOpaquePatch = errors.New("patch: cannot rewrite opaque patch")

// RewriteTime re-times every timestamp authored by the patch's session,
// preserving relative offsets. Used when replaying a patch under a fresh
// clock.
func RewriteTime(p *Patch, newTime uint64) (*Patch, error) {
	if len(p.ops) == 0 {
		return nil, ErrOpaquePatch
	}
	shift := func(id clock.Timestamp) clock.Timestamp {
		if id.Sid == p.sid {
			id.Time = id.Time - p.time + newTime
		}
		return id
	}
	return New(mapIDs(p.ops, shift))
}

// Rebase moves the patch forward to newTime for server-side linearization.
// References to ids minted inside the patch move with it; references to
// prior history are left untouched.
func Rebase(p *Patch, newTime uint64) (*Patch, error) {
	if len(p.ops) == 0 {
		return nil, ErrOpaquePatch
	}
	if newTime < p.time {
		return nil, errors.New("patch: rebase must move time forward")
	}
	shift := func(id clock.Timestamp) clock.Timestamp {
		if id.Sid == p.sid && id.Time >= p.time {
			id.Time = id.Time - p.time + newTime
		}
		return id
	}
	return New(mapIDs(p.ops, shift))
}

func mapIDs(ops []Op, f func(clock.Timestamp) clock.Timestamp) []Op {
	out := make([]Op, 0, len(ops))
	for _, op := range ops {
		switch o := op.(type) {
		case NewCon:
			o.OpID = f(o.OpID)
			if o.Value.Ref != nil {
				ref := f(*o.Value.Ref)
				o.Value.Ref = &ref
			}
			out = append(out, o)
		case NewVal:
			o.OpID = f(o.OpID)
			out = append(out, o)
		case NewObj:
			o.OpID = f(o.OpID)
			out = append(out, o)
		case NewVec:
			o.OpID = f(o.OpID)
			out = append(out, o)
		case NewStr:
			o.OpID = f(o.OpID)
			out = append(out, o)
		case NewBin:
			o.OpID = f(o.OpID)
			out = append(out, o)
		case NewArr:
			o.OpID = f(o.OpID)
			out = append(out, o)
		case InsVal:
			o.OpID, o.Obj, o.Val = f(o.OpID), f(o.Obj), f(o.Val)
			out = append(out, o)
		case InsObj:
			o.OpID, o.Obj = f(o.OpID), f(o.Obj)
			data := make([]ObjEntry, len(o.Data))
			for i, e := range o.Data {
				data[i] = ObjEntry{Key: e.Key, Val: f(e.Val)}
			}
			o.Data = data
			out = append(out, o)
		case InsVec:
			o.OpID, o.Obj = f(o.OpID), f(o.Obj)
			data := make([]VecEntry, len(o.Data))
			for i, e := range o.Data {
				data[i] = VecEntry{Index: e.Index, Val: f(e.Val)}
			}
			o.Data = data
			out = append(out, o)
		case InsStr:
			o.OpID, o.Obj, o.Ref = f(o.OpID), f(o.Obj), f(o.Ref)
			out = append(out, o)
		case InsBin:
			o.OpID, o.Obj, o.Ref = f(o.OpID), f(o.Obj), f(o.Ref)
			out = append(out, o)
		case InsArr:
			o.OpID, o.Obj, o.Ref = f(o.OpID), f(o.Obj), f(o.Ref)
			data := make([]clock.Timestamp, len(o.Data))
			for i, v := range o.Data {
				data[i] = f(v)
			}
			o.Data = data
			out = append(out, o)
		case UpdArr:
			o.OpID, o.Obj, o.Ref, o.Val = f(o.OpID), f(o.Obj), f(o.Ref), f(o.Val)
			out = append(out, o)
		case Del:
			o.OpID, o.Obj = f(o.OpID), f(o.Obj)
			what := make([]clock.Timespan, len(o.What))
			for i, ts := range o.What {
				start := f(clock.Timestamp{Sid: ts.Sid, Time: ts.Time})
				what[i] = clock.Timespan{Sid: start.Sid, Time: start.Time, Span: ts.Span}
			}
			o.What = what
			out = append(out, o)
		case Nop:
			o.OpID = f(o.OpID)
			out = append(out, o)
		}
	}
	return out
}
