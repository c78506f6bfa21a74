package patch

import (
	"sort"

	"github.com/ilnaes/jsonpad/crdt/clock"
	"github.com/ilnaes/jsonpad/crdt/wire"
)

// Builder accumulates operations, allocating ids from a clock so that the
// resulting patch is canonical by construction.
type Builder struct {
	clk *clock.Clock
	ops []Op
}

func NewBuilder(clk *clock.Clock) *Builder {
	return &Builder{clk: clk}
}

// Flush encodes the accumulated operations and resets the builder.
func (b *Builder) Flush() (*Patch, error) {
	p, err := New(b.ops)
	if err != nil {
		return nil, err
	}
	b.ops = nil
	return p, nil
}

func (b *Builder) push(op Op) clock.Timestamp {
	b.ops = append(b.ops, op)
	return op.ID()
}

func (b *Builder) Con(value any) clock.Timestamp {
	v := ConValue{Value: value}
	// capture the canonical CBOR form up front so built and decoded
	// patches compare equal
	w := wire.NewWriter()
	if err := w.WriteJSON(value); err == nil {
		v.Raw = w.Bytes()
	}
	return b.push(NewCon{OpID: b.clk.Tick(1), Value: v})
}

func (b *Builder) ConRef(ref clock.Timestamp) clock.Timestamp {
	r := ref
	return b.push(NewCon{OpID: b.clk.Tick(1), Value: ConValue{Ref: &r}})
}

func (b *Builder) Val() clock.Timestamp { return b.push(NewVal{OpID: b.clk.Tick(1)}) }
func (b *Builder) Obj() clock.Timestamp { return b.push(NewObj{OpID: b.clk.Tick(1)}) }
func (b *Builder) Vec() clock.Timestamp { return b.push(NewVec{OpID: b.clk.Tick(1)}) }
func (b *Builder) Str() clock.Timestamp { return b.push(NewStr{OpID: b.clk.Tick(1)}) }
func (b *Builder) Bin() clock.Timestamp { return b.push(NewBin{OpID: b.clk.Tick(1)}) }
func (b *Builder) Arr() clock.Timestamp { return b.push(NewArr{OpID: b.clk.Tick(1)}) }

func (b *Builder) SetVal(obj, val clock.Timestamp) clock.Timestamp {
	return b.push(InsVal{OpID: b.clk.Tick(1), Obj: obj, Val: val})
}

// Root points the document root register at id.
func (b *Builder) Root(id clock.Timestamp) clock.Timestamp {
	return b.SetVal(clock.Timestamp{}, id)
}

func (b *Builder) SetObj(obj clock.Timestamp, data []ObjEntry) clock.Timestamp {
	return b.push(InsObj{OpID: b.clk.Tick(1), Obj: obj, Data: data})
}

func (b *Builder) SetVec(obj clock.Timestamp, data []VecEntry) clock.Timestamp {
	return b.push(InsVec{OpID: b.clk.Tick(1), Obj: obj, Data: data})
}

func (b *Builder) InsStr(obj, ref clock.Timestamp, text string) clock.Timestamp {
	return b.push(InsStr{OpID: b.clk.Tick(UTF16Len(text)), Obj: obj, Ref: ref, Text: text})
}

func (b *Builder) InsBin(obj, ref clock.Timestamp, data []byte) clock.Timestamp {
	return b.push(InsBin{OpID: b.clk.Tick(uint64(len(data))), Obj: obj, Ref: ref, Data: data})
}

func (b *Builder) InsArr(obj, ref clock.Timestamp, data []clock.Timestamp) clock.Timestamp {
	return b.push(InsArr{OpID: b.clk.Tick(uint64(len(data))), Obj: obj, Ref: ref, Data: data})
}

func (b *Builder) UpdArr(obj, ref, val clock.Timestamp) clock.Timestamp {
	return b.push(UpdArr{OpID: b.clk.Tick(1), Obj: obj, Ref: ref, Val: val})
}

func (b *Builder) Del(obj clock.Timestamp, what []clock.Timespan) clock.Timestamp {
	return b.push(Del{OpID: b.clk.Tick(1), Obj: obj, What: what})
}

func (b *Builder) Nop(n uint64) clock.Timestamp {
	return b.push(Nop{OpID: b.clk.Tick(n), Len: n})
}

// JSON builds the node tree for an arbitrary JSON value and returns the id
// of its top node. Strings become Str nodes, byte slices Bin nodes, maps Obj
// nodes, slices Arr nodes, and every other scalar a Con node.
func (b *Builder) JSON(value any) clock.Timestamp {
	switch v := value.(type) {
	case map[string]any:
		obj := b.Obj()
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]ObjEntry, 0, len(v))
		for _, k := range keys {
			entries = append(entries, ObjEntry{Key: k, Val: b.JSON(v[k])})
		}
		if len(entries) > 0 {
			b.SetObj(obj, entries)
		}
		return obj
	case []any:
		arr := b.Arr()
		if len(v) == 0 {
			return arr
		}
		ids := make([]clock.Timestamp, 0, len(v))
		for _, item := range v {
			ids = append(ids, b.JSON(item))
		}
		b.InsArr(arr, arr, ids)
		return arr
	case string:
		str := b.Str()
		if v != "" {
			b.InsStr(str, str, v)
		}
		return str
	case []byte:
		bin := b.Bin()
		if len(v) > 0 {
			b.InsBin(bin, bin, v)
		}
		return bin
	case wire.Undefined, nil, bool, int, int64, uint64, float64:
		return b.Con(v)
	default:
		return b.Con(wire.Undefined{})
	}
}
