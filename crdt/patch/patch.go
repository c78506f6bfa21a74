package patch

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/ilnaes/jsonpad/crdt/clock"
	"github.com/ilnaes/jsonpad/crdt/wire"
)

var ErrRejected = errors.New("patch: rejected payload")

// Patch is an ordered list of operations authored by one session with
// contiguous, strictly increasing ids. The original wire bytes are kept so
// that decode/encode round-trips are byte-exact, including for malformed
// payloads accepted by the permissive decoder.
type Patch struct {
	bytes []byte
	sid   uint64
	time  uint64
	span  uint64
	ops   []Op
}

// Decode parses a binary patch.
//
// The decoder is deliberately permissive for wire compatibility: malformed
// payloads — truncation, unknown opcodes, trailing bytes after the last
// operation — are accepted as empty patches that preserve their bytes. The
// one hard error is a payload that fails inside a CBOR item and starts with
// 0x7b, which is ASCII JSON mistakenly sent as binary.
func Decode(data []byte) (*Patch, error) {
	r := wire.NewReader(data)
	p, err := decodePatch(r, data)
	if err != nil {
		if errors.Is(err, wire.ErrInvalidCBOR) && len(data) > 0 && data[0] == 0x7b {
			return nil, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return &Patch{bytes: append([]byte(nil), data...)}, nil
	}
	if !r.EOF() {
		// a decodable prefix followed by junk is not trusted either
		return &Patch{bytes: append([]byte(nil), data...)}, nil
	}
	return p, nil
}

// readCBOR reads one CBOR item, classifying every failure — including
// truncation inside the item — as invalid CBOR for Decode's rejection rule.
func readCBOR(r *wire.Reader) (any, []byte, error) {
	value, raw, err := r.ReadCBOR()
	if err != nil && !errors.Is(err, wire.ErrInvalidCBOR) {
		return nil, nil, fmt.Errorf("%w: %v", wire.ErrInvalidCBOR, err)
	}
	return value, raw, err
}

// Bytes returns the wire encoding of the patch.
func (p *Patch) Bytes() []byte { return p.bytes }

// Ops returns the decoded operations; empty for opaque malformed payloads.
func (p *Patch) Ops() []Op { return p.ops }

func (p *Patch) OpCount() int { return len(p.ops) }

// Span is the total number of timestamps the patch consumes.
func (p *Patch) Span() uint64 { return p.span }

// ID returns the patch's first operation id, ok=false for empty patches.
func (p *Patch) ID() (clock.Timestamp, bool) {
	if len(p.ops) == 0 {
		return clock.Timestamp{}, false
	}
	return clock.Timestamp{Sid: p.sid, Time: p.time}, true
}

// NextTime is the first local time after the patch's span.
func (p *Patch) NextTime() uint64 {
	if len(p.ops) == 0 {
		return 0
	}
	return p.time + p.span
}

func decodePatch(r *wire.Reader, data []byte) (*Patch, error) {
	sid, err := r.VU57()
	if err != nil {
		return nil, err
	}
	time, err := r.VU57()
	if err != nil {
		return nil, err
	}

	// metadata; CBOR undefined unless explicitly set
	if _, _, err := readCBOR(r); err != nil {
		return nil, err
	}

	count, err := r.VU57()
	if err != nil {
		return nil, err
	}
	p := &Patch{
		bytes: append([]byte(nil), data...),
		sid:   sid,
		time:  time,
	}
	opTime := time
	for i := uint64(0); i < count; i++ {
		id := clock.Timestamp{Sid: sid, Time: opTime}
		op, err := decodeOp(r, sid, id)
		if err != nil {
			return nil, err
		}
		span := op.Span()
		next := opTime + span
		if next < opTime {
			return nil, wire.ErrBadVarint
		}
		opTime = next
		p.span += span
		p.ops = append(p.ops, op)
	}
	return p, nil
}

func decodeID(r *wire.Reader, patchSid uint64) (clock.Timestamp, error) {
	flag, time, err := r.B1VU56()
	if err != nil {
		return clock.Timestamp{}, err
	}
	if flag == 1 {
		sid, err := r.VU57()
		if err != nil {
			return clock.Timestamp{}, err
		}
		return clock.Timestamp{Sid: sid, Time: time}, nil
	}
	return clock.Timestamp{Sid: patchSid, Time: time}, nil
}

func decodeLen(r *wire.Reader, octet byte) (uint64, error) {
	if low := uint64(octet & 0b111); low != 0 {
		return low, nil
	}
	return r.VU57()
}

func decodeOp(r *wire.Reader, patchSid uint64, id clock.Timestamp) (Op, error) {
	octet, err := r.U8()
	if err != nil {
		return nil, err
	}
	opcode := octet >> 3

	switch opcode {
	case 0: // new_con
		if octet&0b111 == 0 {
			value, raw, err := readCBOR(r)
			if err != nil {
				return nil, err
			}
			return NewCon{OpID: id, Value: ConValue{Value: value, Raw: raw}}, nil
		}
		ref, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		return NewCon{OpID: id, Value: ConValue{Ref: &ref}}, nil
	case 1:
		return NewVal{OpID: id}, nil
	case 2:
		return NewObj{OpID: id}, nil
	case 3:
		return NewVec{OpID: id}, nil
	case 4:
		return NewStr{OpID: id}, nil
	case 5:
		return NewBin{OpID: id}, nil
	case 6:
		return NewArr{OpID: id}, nil
	case 9: // ins_val
		obj, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		val, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		return InsVal{OpID: id, Obj: obj, Val: val}, nil
	case 10: // ins_obj
		n, err := decodeLen(r, octet)
		if err != nil {
			return nil, err
		}
		obj, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		data := make([]ObjEntry, 0, n)
		for i := uint64(0); i < n; i++ {
			key, _, err := readCBOR(r)
			if err != nil {
				return nil, err
			}
			k, ok := key.(string)
			if !ok {
				return nil, wire.ErrInvalidCBOR
			}
			val, err := decodeID(r, patchSid)
			if err != nil {
				return nil, err
			}
			data = append(data, ObjEntry{Key: k, Val: val})
		}
		return InsObj{OpID: id, Obj: obj, Data: data}, nil
	case 11: // ins_vec
		n, err := decodeLen(r, octet)
		if err != nil {
			return nil, err
		}
		obj, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		data := make([]VecEntry, 0, n)
		for i := uint64(0); i < n; i++ {
			idx, err := r.U8()
			if err != nil {
				return nil, err
			}
			val, err := decodeID(r, patchSid)
			if err != nil {
				return nil, err
			}
			data = append(data, VecEntry{Index: uint64(idx), Val: val})
		}
		return InsVec{OpID: id, Obj: obj, Data: data}, nil
	case 12: // ins_str, length field is UTF-8 bytes
		n, err := decodeLen(r, octet)
		if err != nil {
			return nil, err
		}
		obj, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		ref, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		buf, err := r.Buf(int(n))
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(buf) {
			return nil, wire.ErrInvalidCBOR
		}
		return InsStr{OpID: id, Obj: obj, Ref: ref, Text: string(buf)}, nil
	case 13: // ins_bin
		n, err := decodeLen(r, octet)
		if err != nil {
			return nil, err
		}
		obj, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		ref, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		buf, err := r.Buf(int(n))
		if err != nil {
			return nil, err
		}
		return InsBin{OpID: id, Obj: obj, Ref: ref, Data: append([]byte(nil), buf...)}, nil
	case 14: // ins_arr
		n, err := decodeLen(r, octet)
		if err != nil {
			return nil, err
		}
		obj, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		ref, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		data := make([]clock.Timestamp, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := decodeID(r, patchSid)
			if err != nil {
				return nil, err
			}
			data = append(data, v)
		}
		return InsArr{OpID: id, Obj: obj, Ref: ref, Data: data}, nil
	case 15: // upd_arr
		obj, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		ref, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		val, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		return UpdArr{OpID: id, Obj: obj, Ref: ref, Val: val}, nil
	case 16: // del
		n, err := decodeLen(r, octet)
		if err != nil {
			return nil, err
		}
		obj, err := decodeID(r, patchSid)
		if err != nil {
			return nil, err
		}
		what := make([]clock.Timespan, 0, n)
		for i := uint64(0); i < n; i++ {
			start, err := decodeID(r, patchSid)
			if err != nil {
				return nil, err
			}
			span, err := r.VU57()
			if err != nil {
				return nil, err
			}
			what = append(what, clock.Timespan{Sid: start.Sid, Time: start.Time, Span: span})
		}
		return Del{OpID: id, Obj: obj, What: what}, nil
	case 17: // nop
		n, err := decodeLen(r, octet)
		if err != nil {
			return nil, err
		}
		return Nop{OpID: id, Len: n}, nil
	}
	return nil, fmt.Errorf("patch: unknown opcode %d", opcode)
}
