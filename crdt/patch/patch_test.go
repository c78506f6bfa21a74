package patch

import (
	"testing"

	"github.com/ilnaes/jsonpad/crdt/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(sid, time uint64) clock.Timestamp {
	return clock.Timestamp{Sid: sid, Time: time}
}

func TestBuilderAllocatesContiguousIDs(t *testing.T) {
	b := NewBuilder(clock.New(100))

	obj := b.Obj()
	str := b.Str()
	b.InsStr(str, str, "hi")
	b.SetObj(obj, []ObjEntry{{Key: "s", Val: str}})
	b.Root(obj)

	p, err := b.Flush()
	require.NoError(t, err)

	assert.Equal(t, 5, p.OpCount())
	id, ok := p.ID()
	require.True(t, ok)
	assert.Equal(t, ts(100, 1), id)
	assert.Equal(t, uint64(6), p.Span())
	assert.Equal(t, uint64(7), p.NextTime())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := NewBuilder(clock.New(100))
	obj := b.Obj()
	arr := b.Arr()
	con := b.Con(int64(42))
	b.InsArr(arr, arr, []clock.Timestamp{con})
	b.SetObj(obj, []ObjEntry{{Key: "nums", Val: arr}})
	b.Root(obj)

	p, err := b.Flush()
	require.NoError(t, err)

	q, err := Decode(p.Bytes())
	require.NoError(t, err)

	assert.Equal(t, p.Bytes(), q.Bytes())
	require.Equal(t, p.OpCount(), q.OpCount())
	assert.Equal(t, p.Ops(), q.Ops())
	assert.Equal(t, p.Span(), q.Span())

	// re-encoding decoded ops is byte-identical
	r, err := New(q.Ops())
	require.NoError(t, err)
	assert.Equal(t, p.Bytes(), r.Bytes())
}

func TestDecodeAllOpTypes(t *testing.T) {
	b := NewBuilder(clock.New(100))
	obj := b.Obj()
	vec := b.Vec()
	str := b.Str()
	bin := b.Bin()
	arr := b.Arr()
	reg := b.Val()
	c1 := b.Con(nil)
	c2 := b.ConRef(c1)
	b.SetVal(reg, c1)
	b.SetObj(obj, []ObjEntry{{Key: "v", Val: vec}})
	b.SetVec(vec, []VecEntry{{Index: 0, Val: c2}})
	sid := b.InsStr(str, str, "abc")
	b.InsBin(bin, bin, []byte{9, 8})
	slot := b.InsArr(arr, arr, []clock.Timestamp{c1})
	b.UpdArr(arr, slot, c2)
	b.Del(str, []clock.Timespan{{Sid: 100, Time: sid.Time, Span: 2}})
	b.Nop(3)
	b.Root(obj)

	p, err := b.Flush()
	require.NoError(t, err)

	q, err := Decode(p.Bytes())
	require.NoError(t, err)
	assert.Equal(t, p.Ops(), q.Ops())
}

func TestSpanAccounting(t *testing.T) {
	assert.Equal(t, uint64(3), InsStr{Text: "abc"}.Span())
	// astral characters take two clock slots
	assert.Equal(t, uint64(2), InsStr{Text: "\U0001F600"}.Span())
	assert.Equal(t, uint64(1), InsStr{Text: "é"}.Span())
	assert.Equal(t, uint64(4), InsBin{Data: []byte{1, 2, 3, 4}}.Span())
	assert.Equal(t, uint64(7), Nop{Len: 7}.Span())
}

func TestNonCanonicalIDRejected(t *testing.T) {
	ops := []Op{
		NewObj{OpID: ts(100, 1)},
		NewStr{OpID: ts(100, 5)}, // gap
	}
	_, err := New(ops)
	assert.ErrorIs(t, err, ErrNonCanonicalID)
}

func TestDecodeMalformedIsOpaque(t *testing.T) {
	data := []byte{0x01, 0x02}
	p, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, data, p.Bytes())
	assert.Equal(t, 0, p.OpCount())
	_, ok := p.ID()
	assert.False(t, ok)
	assert.Equal(t, uint64(0), p.NextTime())
}

func TestDecodeRejectsJSONPayload(t *testing.T) {
	// payloads that fail inside a CBOR item and open with '{' are JSON sent
	// down the wrong pipe
	_, err := Decode([]byte(`{}`))
	assert.ErrorIs(t, err, ErrRejected)

	_, err = Decode([]byte(`{"id":1}`))
	assert.ErrorIs(t, err, ErrRejected)

	// a '{' payload that happens to fail outside any CBOR item is still
	// accepted as opaque
	data := []byte(`{"not":"a patch"}`)
	p, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 0, p.OpCount())
	assert.Equal(t, data, p.Bytes())
}

func TestDecodeUnknownOpcodeIsOpaque(t *testing.T) {
	b := NewBuilder(clock.New(100))
	b.Obj()
	p, err := b.Flush()
	require.NoError(t, err)

	data := append([]byte(nil), p.Bytes()...)
	data[len(data)-1] = 31 << 3 // replace the op with an unknown opcode
	q, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 0, q.OpCount())
	assert.Equal(t, data, q.Bytes())
}

func TestDecodeTrailingBytesIsOpaque(t *testing.T) {
	b := NewBuilder(clock.New(100))
	b.Obj()
	p, err := b.Flush()
	require.NoError(t, err)

	data := append(append([]byte(nil), p.Bytes()...), 0xff)
	q, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 0, q.OpCount())
	assert.Equal(t, data, q.Bytes())
}

func TestForeignIDEncoding(t *testing.T) {
	ops := []Op{
		NewArr{OpID: ts(100, 1)},
		InsArr{OpID: ts(100, 2), Obj: ts(100, 1), Ref: ts(100, 1), Data: []clock.Timestamp{ts(77, 9)}},
	}
	p, err := New(ops)
	require.NoError(t, err)

	q, err := Decode(p.Bytes())
	require.NoError(t, err)
	ins := q.Ops()[1].(InsArr)
	assert.Equal(t, ts(77, 9), ins.Data[0])
}

func TestRewriteTime(t *testing.T) {
	b := NewBuilder(clock.New(100))
	str := b.Str()
	b.InsStr(str, str, "ab")
	b.Root(str)
	p, err := b.Flush()
	require.NoError(t, err)

	q, err := RewriteTime(p, 50)
	require.NoError(t, err)

	id, ok := q.ID()
	require.True(t, ok)
	assert.Equal(t, ts(100, 50), id)
	ins := q.Ops()[1].(InsStr)
	// internal references move with the patch
	assert.Equal(t, ts(100, 50), ins.Obj)
	assert.Equal(t, uint64(54), q.NextTime())
}

func TestRebaseKeepsHistoryRefs(t *testing.T) {
	historic := ts(100, 3)
	ops := []Op{
		InsStr{OpID: ts(100, 10), Obj: historic, Ref: historic, Text: "x"},
	}
	p, err := New(ops)
	require.NoError(t, err)

	q, err := Rebase(p, 20)
	require.NoError(t, err)
	ins := q.Ops()[0].(InsStr)
	assert.Equal(t, ts(100, 20), ins.OpID)
	// reference below the patch origin stays put
	assert.Equal(t, historic, ins.Obj)
}

func TestRewriteOpaquePatch(t *testing.T) {
	p, err := Decode([]byte{0x01})
	require.NoError(t, err)
	_, err = RewriteTime(p, 5)
	assert.ErrorIs(t, err, ErrOpaquePatch)
}
