package model_test

import (
	"testing"

	"github.com/ilnaes/jsonpad/crdt/clock"
	"github.com/ilnaes/jsonpad/crdt/model"
	"github.com/ilnaes/jsonpad/crdt/patch"
	"github.com/ilnaes/jsonpad/crdt/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(sid, time uint64) clock.Timestamp {
	return clock.Timestamp{Sid: sid, Time: time}
}

// build authors a patch under session 100 with a fresh clock.
func build(t *testing.T, f func(b *patch.Builder)) *patch.Patch {
	t.Helper()
	b := patch.NewBuilder(clock.New(100))
	f(b)
	p, err := b.Flush()
	require.NoError(t, err)
	return p
}

// author returns a builder for a session that has observed everything m has.
func author(sid uint64, m *model.Model) *patch.Builder {
	return patch.NewBuilder(m.Clock().Fork(sid))
}

func replica(t *testing.T, base *patch.Patch) *model.Model {
	t.Helper()
	m := model.New(50)
	require.NoError(t, m.ApplyPatch(base))
	return m
}

func apply(t *testing.T, m *model.Model, patches ...*patch.Patch) {
	t.Helper()
	for _, p := range patches {
		require.NoError(t, m.ApplyPatch(p))
	}
}

func TestEmptyDocument(t *testing.T) {
	m := model.New(500)
	assert.Nil(t, m.View())
	_, ok := m.Root()
	assert.False(t, ok)
}

func TestBuildAndView(t *testing.T) {
	doc := map[string]any{
		"title": "hello",
		"done":  true,
		"count": int64(3),
		"ratio": 1.5,
		"none":  nil,
		"tags":  []any{"a", "b"},
		"blob":  []byte{1, 2, 3},
		"nested": map[string]any{
			"deep": []any{int64(1), nil, "x"},
		},
	}
	p := build(t, func(b *patch.Builder) {
		b.Root(b.JSON(doc))
	})
	m := replica(t, p)
	assert.Equal(t, doc, m.View())
}

func TestObjectKeyConvergence(t *testing.T) {
	base := build(t, func(b *patch.Builder) {
		obj := b.Obj()
		b.SetObj(obj, []patch.ObjEntry{{Key: "a", Val: b.Con(int64(1))}})
		b.Root(obj)
	})
	obj := ts(100, 1)

	seed := replica(t, base)
	bA := author(200, seed)
	bA.SetObj(obj, []patch.ObjEntry{{Key: "a", Val: bA.Con(int64(2))}})
	pA, err := bA.Flush()
	require.NoError(t, err)

	bB := author(300, seed)
	bB.SetObj(obj, []patch.ObjEntry{{Key: "a", Val: bB.Con(int64(3))}})
	pB, err := bB.Flush()
	require.NoError(t, err)

	m1 := replica(t, base)
	m2 := replica(t, base)
	apply(t, m1, pA, pB)
	apply(t, m2, pB, pA)

	// same ids on both sides: the higher session wins the tie
	want := map[string]any{"a": int64(3)}
	assert.Equal(t, want, m1.View())
	assert.Equal(t, want, m2.View())
}

func TestValRegisterConvergence(t *testing.T) {
	base := build(t, func(b *patch.Builder) {
		reg := b.Val()
		b.SetVal(reg, b.Con(int64(1)))
		b.Root(reg)
	})
	reg := ts(100, 1)

	seed := replica(t, base)
	bA := author(200, seed)
	bA.SetVal(reg, bA.Con(int64(2)))
	pA, err := bA.Flush()
	require.NoError(t, err)

	bB := author(300, seed)
	bB.SetVal(reg, bB.Con(int64(3)))
	pB, err := bB.Flush()
	require.NoError(t, err)

	m1 := replica(t, base)
	m2 := replica(t, base)
	apply(t, m1, pA, pB)
	apply(t, m2, pB, pA)

	assert.Equal(t, int64(3), m1.View())
	assert.Equal(t, int64(3), m2.View())
}

func TestStringInsertConvergence(t *testing.T) {
	base := build(t, func(b *patch.Builder) {
		str := b.Str()
		b.InsStr(str, str, "ab")
		b.Root(str)
	})
	str := ts(100, 1)

	seed := replica(t, base)
	bA := author(200, seed)
	bA.InsStr(str, str, "X")
	pA, err := bA.Flush()
	require.NoError(t, err)

	bB := author(300, seed)
	bB.InsStr(str, str, "Y")
	pB, err := bB.Flush()
	require.NoError(t, err)

	m1 := replica(t, base)
	m2 := replica(t, base)
	apply(t, m1, pA, pB)
	apply(t, m2, pB, pA)

	assert.Equal(t, "YXab", m1.View())
	assert.Equal(t, "YXab", m2.View())
}

func TestStringMidInsertConvergence(t *testing.T) {
	base := build(t, func(b *patch.Builder) {
		str := b.Str()
		b.InsStr(str, str, "ab")
		b.Root(str)
	})
	str := ts(100, 1)
	afterA := ts(100, 2) // the 'a' position

	seed := replica(t, base)
	bA := author(200, seed)
	bA.InsStr(str, afterA, "1")
	pA, err := bA.Flush()
	require.NoError(t, err)

	bB := author(300, seed)
	bB.InsStr(str, afterA, "2")
	pB, err := bB.Flush()
	require.NoError(t, err)

	m1 := replica(t, base)
	m2 := replica(t, base)
	apply(t, m1, pA, pB)
	apply(t, m2, pB, pA)

	assert.Equal(t, "a21b", m1.View())
	assert.Equal(t, "a21b", m2.View())
}

func TestStringSurrogateAnchoring(t *testing.T) {
	base := build(t, func(b *patch.Builder) {
		str := b.Str()
		b.InsStr(str, str, "\U0001F600")
		b.Root(str)
	})
	str := ts(100, 1)

	seed := replica(t, base)
	// the pair occupies two positions, one per code unit
	require.Equal(t, 2, seed.Length(str))
	slot0, ok := seed.FindSlot(str, 0)
	require.True(t, ok)
	assert.Equal(t, ts(100, 2), slot0)
	slot1, ok := seed.FindSlot(str, 1)
	require.True(t, ok)
	assert.Equal(t, ts(100, 3), slot1)

	// a peer append lands after the pair's trailing unit
	b := author(200, seed)
	b.InsStr(str, slot1, "b")
	p, err := b.Flush()
	require.NoError(t, err)

	m := replica(t, base)
	apply(t, m, p)
	assert.Empty(t, m.Conflicts())
	assert.Equal(t, "\U0001F600b", m.View())
	assert.Equal(t, 3, m.Length(str))
}

func TestStringSurrogateRoundTrip(t *testing.T) {
	base := build(t, func(b *patch.Builder) {
		str := b.Str()
		b.InsStr(str, str, "a\U0001F600b")
		b.Root(str)
	})
	str := ts(100, 1)

	m := replica(t, base)
	require.Equal(t, 4, m.Length(str))

	data, err := m.ToBinary()
	require.NoError(t, err)
	m2, err := model.Load(data)
	require.NoError(t, err)
	assert.Equal(t, "a\U0001F600b", m2.View())
	data2, err := m2.ToBinary()
	require.NoError(t, err)
	assert.Equal(t, data, data2)

	// deleting both units of the pair removes the character
	what := m.FindInterval(str, 1, 2)
	require.Equal(t, []clock.Timespan{{Sid: 100, Time: 3, Span: 2}}, what)
	b := author(200, m)
	b.Del(str, what)
	p, err := b.Flush()
	require.NoError(t, err)
	apply(t, m, p)
	assert.Equal(t, "ab", m.View())
	assert.Equal(t, 2, m.Length(str))
}

func TestDeleteIdempotent(t *testing.T) {
	base := build(t, func(b *patch.Builder) {
		str := b.Str()
		b.InsStr(str, str, "abc")
		b.Root(str)
	})
	str := ts(100, 1)

	seed := replica(t, base)
	what := seed.FindInterval(str, 1, 1)
	require.Equal(t, []clock.Timespan{{Sid: 100, Time: 3, Span: 1}}, what)

	bA := author(200, seed)
	bA.Del(str, what)
	pA, err := bA.Flush()
	require.NoError(t, err)

	bB := author(300, seed)
	bB.Del(str, what)
	pB, err := bB.Flush()
	require.NoError(t, err)

	m := replica(t, base)
	apply(t, m, pA, pA, pB) // replay and duplicate delete
	assert.Equal(t, "ac", m.View())
	assert.Equal(t, 2, m.Length(str))
}

func TestArraySlotUpdate(t *testing.T) {
	base := build(t, func(b *patch.Builder) {
		arr := b.Arr()
		c1 := b.Con(int64(1))
		c2 := b.Con(int64(2))
		b.InsArr(arr, arr, []clock.Timestamp{c1, c2})
		b.Root(arr)
	})
	arr := ts(100, 1)

	m := replica(t, base)
	slot0, ok := m.FindSlot(arr, 0)
	require.True(t, ok)
	slot1, ok := m.FindSlot(arr, 1)
	require.True(t, ok)

	b := author(200, m)
	b.Del(arr, m.FindInterval(arr, 0, 1))
	p, err := b.Flush()
	require.NoError(t, err)
	apply(t, m, p)
	assert.Equal(t, []any{int64(2)}, m.View())

	// deleted slots stay deleted
	b = author(200, m)
	b.UpdArr(arr, slot0, b.Con(int64(9)))
	p, err = b.Flush()
	require.NoError(t, err)
	apply(t, m, p)
	assert.Equal(t, []any{int64(2)}, m.View())

	b = author(200, m)
	b.UpdArr(arr, slot1, b.Con(int64(7)))
	p, err = b.Flush()
	require.NoError(t, err)
	apply(t, m, p)
	assert.Equal(t, []any{int64(7)}, m.View())
}

func TestVectorSlotConvergence(t *testing.T) {
	base := build(t, func(b *patch.Builder) {
		vec := b.Vec()
		b.SetVec(vec, []patch.VecEntry{{Index: 0, Val: b.Con("x")}})
		b.Root(vec)
	})
	vec := ts(100, 1)

	seed := replica(t, base)
	bA := author(200, seed)
	bA.SetVec(vec, []patch.VecEntry{{Index: 0, Val: bA.Con("y")}})
	pA, err := bA.Flush()
	require.NoError(t, err)

	bB := author(300, seed)
	bB.SetVec(vec, []patch.VecEntry{{Index: 0, Val: bB.Con("z")}})
	pB, err := bB.Flush()
	require.NoError(t, err)

	m1 := replica(t, base)
	m2 := replica(t, base)
	apply(t, m1, pA, pB)
	apply(t, m2, pB, pA)

	assert.Equal(t, []any{"z"}, m1.View())
	assert.Equal(t, []any{"z"}, m2.View())
}

func TestObjectKeyRemoval(t *testing.T) {
	base := build(t, func(b *patch.Builder) {
		obj := b.Obj()
		b.SetObj(obj, []patch.ObjEntry{{Key: "a", Val: b.Con(int64(1))}})
		b.Root(obj)
	})
	obj := ts(100, 1)

	m := replica(t, base)
	b := author(200, m)
	// writing the undefined constant hides the key from the view
	b.SetObj(obj, []patch.ObjEntry{{Key: "a", Val: b.Con(wire.Undefined{})}})
	p, err := b.Flush()
	require.NoError(t, err)
	apply(t, m, p)

	assert.Equal(t, map[string]any{}, m.View())
}

func TestLogicalBinaryRoundTrip(t *testing.T) {
	doc := map[string]any{
		"text":  "héllo",
		"blob":  []byte{0xde, 0xad},
		"items": []any{int64(1), "two", nil},
	}
	p := build(t, func(b *patch.Builder) {
		b.Root(b.JSON(doc))
	})
	m := replica(t, p)

	data, err := m.ToBinary()
	require.NoError(t, err)

	m2, err := model.Load(data)
	require.NoError(t, err)
	assert.Equal(t, doc, m2.View())

	data2, err := m2.ToBinary()
	require.NoError(t, err)
	assert.Equal(t, data, data2)
}

func TestLogicalBinaryRoundTripMultiSession(t *testing.T) {
	base := build(t, func(b *patch.Builder) {
		str := b.Str()
		b.InsStr(str, str, "ab")
		b.Root(str)
	})
	str := ts(100, 1)

	m := replica(t, base)
	b := author(200, m)
	b.InsStr(str, ts(100, 3), "!")
	p, err := b.Flush()
	require.NoError(t, err)
	apply(t, m, p)
	require.Equal(t, "ab!", m.View())

	data, err := m.ToBinary()
	require.NoError(t, err)
	m2, err := model.Load(data)
	require.NoError(t, err)
	assert.Equal(t, "ab!", m2.View())

	data2, err := m2.ToBinary()
	require.NoError(t, err)
	assert.Equal(t, data, data2)
}

func TestEmptyDocumentRoundTrip(t *testing.T) {
	m := model.New(500)
	data, err := m.ToBinary()
	require.NoError(t, err)

	m2, err := model.Load(data)
	require.NoError(t, err)
	assert.Nil(t, m2.View())

	data2, err := m2.ToBinary()
	require.NoError(t, err)
	assert.Equal(t, data, data2)
}

func TestServerBinaryRoundTrip(t *testing.T) {
	m := model.NewServer()
	b := patch.NewBuilder(m.Clock().Clone())
	b.Root(b.JSON(map[string]any{"t": "hi"}))
	p, err := b.Flush()
	require.NoError(t, err)
	apply(t, m, p)

	data, err := m.ToBinary()
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Equal(t, byte(0x80), data[0]&0x80)

	m2, err := model.Load(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"t": "hi"}, m2.View())

	data2, err := m2.ToBinary()
	require.NoError(t, err)
	assert.Equal(t, data, data2)
}

func TestLoadRejections(t *testing.T) {
	_, err := model.Load(nil)
	assert.ErrorIs(t, err, model.ErrRejected)

	_, err = model.Load([]byte(`{"view":1}`))
	assert.ErrorIs(t, err, model.ErrRejected)

	_, err = model.Load([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, model.ErrRejected)
}

func TestLoadOpaquePassthrough(t *testing.T) {
	// well-framed header, root length pointing past the end
	data := []byte{0x00, 0x00, 0x00, 0xff, 0x01}
	m, err := model.Load(data)
	require.NoError(t, err)
	assert.Nil(t, m.View())

	out, err := m.ToBinary()
	require.NoError(t, err)
	assert.Equal(t, data, out)

	// the first mutation discards the preserved bytes
	b := patch.NewBuilder(m.Clock().Clone())
	b.Root(b.JSON(map[string]any{"k": true}))
	p, err := b.Flush()
	require.NoError(t, err)
	apply(t, m, p)

	assert.Equal(t, map[string]any{"k": true}, m.View())
	out, err = m.ToBinary()
	require.NoError(t, err)
	assert.NotEqual(t, data, out)
}

func TestReapplyPreservesGraph(t *testing.T) {
	base := build(t, func(b *patch.Builder) {
		obj := b.Obj()
		str := b.Str()
		b.InsStr(str, str, "ab")
		b.SetObj(obj, []patch.ObjEntry{{Key: "s", Val: str}})
		b.Root(obj)
	})
	str := ts(100, 2)

	seed := replica(t, base)
	b := author(200, seed)
	b.InsStr(str, ts(100, 4), "!")
	b.Del(str, []clock.Timespan{{Sid: 100, Time: 3, Span: 1}})
	p, err := b.Flush()
	require.NoError(t, err)

	m1 := replica(t, base)
	apply(t, m1, p)
	m2 := replica(t, base)
	apply(t, m2, p, p, base) // replays are dropped before touching the graph

	// node graphs match id for id, not just the views
	for _, op := range append(base.Ops(), p.Ops()...) {
		n1, ok1 := m1.Node(op.ID())
		n2, ok2 := m2.Node(op.ID())
		require.Equal(t, ok1, ok2)
		assert.Equal(t, n1, n2)
	}

	d1, err := m1.ToBinary()
	require.NoError(t, err)
	d2, err := m2.ToBinary()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestServerLoadTrailingBytesIsOpaque(t *testing.T) {
	m := model.NewServer()
	b := patch.NewBuilder(m.Clock().Clone())
	b.Root(b.JSON(map[string]any{"t": "hi"}))
	p, err := b.Flush()
	require.NoError(t, err)
	apply(t, m, p)

	data, err := m.ToBinary()
	require.NoError(t, err)

	junk := append(append([]byte(nil), data...), 0x00)
	m2, err := model.Load(junk)
	require.NoError(t, err)
	assert.Nil(t, m2.View())
	out, err := m2.ToBinary()
	require.NoError(t, err)
	assert.Equal(t, junk, out)
}

func TestForkIsolation(t *testing.T) {
	base := build(t, func(b *patch.Builder) {
		str := b.Str()
		b.InsStr(str, str, "ab")
		b.Root(str)
	})
	str := ts(100, 1)

	m := replica(t, base)
	f := m.Fork(700)
	require.Equal(t, uint64(700), f.SID())

	b := patch.NewBuilder(f.Clock().Clone())
	b.InsStr(str, ts(100, 3), "!")
	p, err := b.Flush()
	require.NoError(t, err)
	apply(t, f, p)

	assert.Equal(t, "ab!", f.View())
	assert.Equal(t, "ab", m.View())
}

func TestStrictModeAborts(t *testing.T) {
	ops := []patch.Op{
		patch.NewObj{OpID: ts(100, 1)},
		patch.InsObj{OpID: ts(100, 2), Obj: ts(100, 1), Data: []patch.ObjEntry{
			{Key: "x", Val: ts(500, 77)}, // dangling value
		}},
		patch.InsVal{OpID: ts(100, 3), Val: ts(100, 1)},
	}
	p, err := patch.New(ops)
	require.NoError(t, err)

	strict := model.New(50)
	strict.SetStrict(true)
	assert.ErrorIs(t, strict.ApplyPatch(p), model.ErrConflict)

	tolerant := model.New(50)
	require.NoError(t, tolerant.ApplyPatch(p))
	require.Len(t, tolerant.Conflicts(), 1)
	assert.Equal(t, ts(100, 2), tolerant.Conflicts()[0].ID)
	assert.Equal(t, map[string]any{}, tolerant.View())
}

func TestValidate(t *testing.T) {
	p := build(t, func(b *patch.Builder) {
		b.Root(b.JSON(map[string]any{"a": []any{int64(1), "x"}}))
	})
	m := replica(t, p)
	assert.NoError(t, m.Validate())
}
