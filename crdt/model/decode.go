package model

import (
	"fmt"
	"unicode/utf16"

	"github.com/ilnaes/jsonpad/crdt/clock"
	"github.com/ilnaes/jsonpad/crdt/patch"
	"github.com/ilnaes/jsonpad/crdt/wire"
)

// Load decodes a model snapshot.
//
// Hard rejections: empty input, ASCII JSON payloads, and logical payloads
// shorter than the fixed header. Any other malformed payload is accepted as
// an opaque document that views as null and re-encodes to its original
// bytes; the opaque bytes are dropped the moment a patch is applied.
func Load(data []byte) (*Model, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrRejected)
	}
	if data[0]&0x80 != 0 {
		m, err := decodeServer(data)
		if err != nil {
			return opaque(data), nil
		}
		return m, nil
	}
	if data[0] == '{' {
		return nil, fmt.Errorf("%w: json payload", ErrRejected)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: truncated header", ErrRejected)
	}
	m, err := decodeLogical(data)
	if err != nil {
		return opaque(data), nil
	}
	return m, nil
}

func opaque(data []byte) *Model {
	m := New(clock.SessionServer)
	m.opaque = append([]byte(nil), data...)
	return m
}

func decodeServer(data []byte) (*Model, error) {
	r := wire.NewReader(data)
	r.U8() // 0x80 marker
	serverTime, err := r.VU57()
	if err != nil {
		return nil, err
	}
	m := NewServer()
	m.serverTime = serverTime
	m.clock.Observe(clock.Timestamp{Sid: clock.SessionServer, Time: serverTime}, 1)
	d := &decoder{m: m, r: r, server: true}
	if err := d.root(); err != nil {
		return nil, err
	}
	if !r.EOF() {
		return nil, fmt.Errorf("%w: trailing bytes after root", ErrInvalidBinary)
	}
	return m, nil
}

func decodeLogical(data []byte) (*Model, error) {
	r := wire.NewReader(data)
	rootLen, err := r.U32BE()
	if err != nil {
		return nil, err
	}
	rootEnd := 4 + int(rootLen)
	if rootEnd > len(data) || rootEnd < 4 {
		return nil, wire.ErrTruncated
	}

	tr := wire.NewReader(data[rootEnd:])
	count, err := tr.VU57()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: empty clock table", ErrInvalidBinary)
	}
	table := make([]clockBase, 0, count)
	for i := uint64(0); i < count; i++ {
		sid, err := tr.VU57()
		if err != nil {
			return nil, err
		}
		base, err := tr.VU57()
		if err != nil {
			return nil, err
		}
		table = append(table, clockBase{sid: sid, base: base})
	}

	// bases are restored verbatim; the local session is not fast-forwarded
	// past peers, so a decode/encode round-trip reproduces the table
	m := New(table[0].sid)
	for _, e := range table {
		m.clock.Load(e.sid, e.base)
	}

	d := &decoder{m: m, r: wire.NewReader(data[4:rootEnd]), table: table}
	if err := d.root(); err != nil {
		return nil, err
	}
	if !d.r.EOF() {
		return nil, fmt.Errorf("%w: trailing bytes after root", ErrInvalidBinary)
	}
	return m, nil
}

type decoder struct {
	m      *Model
	r      *wire.Reader
	table  []clockBase
	server bool
}

func (d *decoder) root() error {
	b, err := d.r.Peek()
	if err != nil {
		return err
	}
	if b == 0 {
		d.r.U8()
		return nil
	}
	id, err := d.node()
	if err != nil {
		return err
	}
	d.m.root = id
	return nil
}

func (d *decoder) id() (clock.Timestamp, error) {
	if d.server {
		t, err := d.r.VU57()
		if err != nil {
			return clock.Timestamp{}, err
		}
		return clock.Timestamp{Sid: clock.SessionServer, Time: t}, nil
	}
	first, err := d.r.Peek()
	if err != nil {
		return clock.Timestamp{}, err
	}
	var index, diff uint64
	if first <= 0x7f {
		d.r.U8()
		index = uint64(first >> 4)
		diff = uint64(first & 0x0f)
	} else {
		_, index, err = d.r.B1VU56()
		if err != nil {
			return clock.Timestamp{}, err
		}
		diff, err = d.r.VU57()
		if err != nil {
			return clock.Timestamp{}, err
		}
	}
	if index == 0 {
		return clock.Timestamp{Sid: clock.SessionSystem, Time: diff}, nil
	}
	if index > uint64(len(d.table)) {
		return clock.Timestamp{}, fmt.Errorf("%w: session index %d out of range", ErrInvalidBinary, index)
	}
	base := d.table[index-1]
	if diff > base.base {
		return clock.Timestamp{}, fmt.Errorf("%w: id before session origin", ErrInvalidBinary)
	}
	return clock.Timestamp{Sid: base.sid, Time: base.base - diff}, nil
}

func (d *decoder) length(minor byte) (uint64, error) {
	if minor != 31 {
		return uint64(minor), nil
	}
	return d.r.VU57()
}

func (d *decoder) put(n Node) {
	if n.ID().IsZero() {
		// the synthetic origin constant emitted for unwritten registers
		return
	}
	d.m.nodes[n.ID()] = n
}

func (d *decoder) node() (clock.Timestamp, error) {
	id, err := d.id()
	if err != nil {
		return clock.Timestamp{}, err
	}
	oct, err := d.r.U8()
	if err != nil {
		return clock.Timestamp{}, err
	}
	major, minor := oct>>5, oct&0x1f

	switch major {
	case 0: // con
		if minor == 0 {
			value, raw, err := d.r.ReadCBOR()
			if err != nil {
				return clock.Timestamp{}, err
			}
			d.put(&ConNode{NodeID: id, Value: patch.ConValue{Value: value, Raw: append([]byte(nil), raw...)}})
			return id, nil
		}
		ref, err := d.id()
		if err != nil {
			return clock.Timestamp{}, err
		}
		d.put(&ConNode{NodeID: id, Value: patch.ConValue{Ref: &ref}})
		return id, nil
	case 1: // val
		child, err := d.node()
		if err != nil {
			return clock.Timestamp{}, err
		}
		d.put(&ValNode{NodeID: id, Child: child})
		return id, nil
	case 2: // obj
		n, err := d.length(minor)
		if err != nil {
			return clock.Timestamp{}, err
		}
		obj := &ObjNode{NodeID: id}
		for i := uint64(0); i < n; i++ {
			key, _, err := d.r.ReadCBOR()
			if err != nil {
				return clock.Timestamp{}, err
			}
			k, ok := key.(string)
			if !ok {
				return clock.Timestamp{}, wire.ErrInvalidCBOR
			}
			child, err := d.node()
			if err != nil {
				return clock.Timestamp{}, err
			}
			obj.Entries = append(obj.Entries, ObjField{Key: k, Val: child})
		}
		d.put(obj)
		return id, nil
	case 3: // vec
		n, err := d.length(minor)
		if err != nil {
			return clock.Timestamp{}, err
		}
		vec := &VecNode{NodeID: id}
		for i := uint64(0); i < n; i++ {
			b, err := d.r.Peek()
			if err != nil {
				return clock.Timestamp{}, err
			}
			if b == 0 {
				d.r.U8()
				vec.Elems = append(vec.Elems, clock.Timestamp{})
				continue
			}
			child, err := d.node()
			if err != nil {
				return clock.Timestamp{}, err
			}
			vec.Elems = append(vec.Elems, child)
		}
		d.put(vec)
		return id, nil
	case 4: // str
		n, err := d.length(minor)
		if err != nil {
			return clock.Timestamp{}, err
		}
		str := &StrNode{NodeID: id}
		for i := uint64(0); i < n; i++ {
			cid, err := d.id()
			if err != nil {
				return clock.Timestamp{}, err
			}
			value, _, err := d.r.ReadCBOR()
			if err != nil {
				return clock.Timestamp{}, err
			}
			switch v := value.(type) {
			case string:
				units := utf16.Encode([]rune(v))
				str.Chunks = append(str.Chunks, &Chunk{ID: cid, Span: uint64(len(units)), Text: units})
			case int64:
				if v < 0 {
					return clock.Timestamp{}, fmt.Errorf("%w: negative tombstone span", ErrInvalidBinary)
				}
				str.Chunks = append(str.Chunks, &Chunk{ID: cid, Span: uint64(v), Del: true})
			case uint64:
				str.Chunks = append(str.Chunks, &Chunk{ID: cid, Span: v, Del: true})
			default:
				return clock.Timestamp{}, fmt.Errorf("%w: bad str chunk payload", ErrInvalidBinary)
			}
		}
		d.observeChunks(str.Chunks)
		d.put(str)
		return id, nil
	case 5: // bin
		n, err := d.length(minor)
		if err != nil {
			return clock.Timestamp{}, err
		}
		bin := &BinNode{NodeID: id}
		for i := uint64(0); i < n; i++ {
			cid, err := d.id()
			if err != nil {
				return clock.Timestamp{}, err
			}
			deleted, span, err := d.r.B1VU56()
			if err != nil {
				return clock.Timestamp{}, err
			}
			if deleted == 1 {
				bin.Chunks = append(bin.Chunks, &Chunk{ID: cid, Span: span, Del: true})
				continue
			}
			buf, err := d.r.Buf(int(span))
			if err != nil {
				return clock.Timestamp{}, err
			}
			bin.Chunks = append(bin.Chunks, &Chunk{ID: cid, Span: span, Data: append([]byte(nil), buf...)})
		}
		d.observeChunks(bin.Chunks)
		d.put(bin)
		return id, nil
	case 6: // arr
		n, err := d.length(minor)
		if err != nil {
			return clock.Timestamp{}, err
		}
		arr := &ArrNode{NodeID: id}
		for i := uint64(0); i < n; i++ {
			cid, err := d.id()
			if err != nil {
				return clock.Timestamp{}, err
			}
			deleted, span, err := d.r.B1VU56()
			if err != nil {
				return clock.Timestamp{}, err
			}
			if deleted == 1 {
				arr.Chunks = append(arr.Chunks, &Chunk{ID: cid, Span: span, Del: true})
				continue
			}
			c := &Chunk{ID: cid, Span: span}
			for j := uint64(0); j < span; j++ {
				child, err := d.node()
				if err != nil {
					return clock.Timestamp{}, err
				}
				c.Refs = append(c.Refs, child)
			}
			arr.Chunks = append(arr.Chunks, c)
		}
		d.observeChunks(arr.Chunks)
		d.put(arr)
		return id, nil
	}
	return clock.Timestamp{}, fmt.Errorf("%w: unknown node tag %d", ErrInvalidBinary, major)
}

// observeChunks only matters for server payloads, whose header time may
// trail the ids actually present in the tree. Logical ids are bounded by the
// clock table by construction.
func (d *decoder) observeChunks(chunks []*Chunk) {
	if !d.server {
		return
	}
	for _, c := range chunks {
		if c.Span > 0 {
			d.m.clock.Load(c.ID.Sid, c.ID.Time+c.Span-1)
		}
	}
}
