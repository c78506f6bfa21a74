// Package wire implements the low-level binary primitives shared by the
// model and patch codecs: the vu57 and b1vu56 variable-length integers and
// the CBOR subset used for constants, object keys, and string chunks.
package wire

import "errors"

var (
	ErrTruncated   = errors.New("wire: truncated input")
	ErrBadVarint   = errors.New("wire: bad varint continuation")
	ErrInvalidCBOR = errors.New("wire: invalid cbor")
)

// Undefined is the CBOR "undefined" sentinel (0xf7). It is distinct from
// JSON null, which decodes to untyped nil.
type Undefined struct{}

// Reader is a cursor over a binary payload. All methods advance the cursor
// only on success.
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

func (r *Reader) EOF() bool      { return r.pos == len(r.data) }
func (r *Reader) Pos() int       { return r.pos }
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

func (r *Reader) U8() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, ErrTruncated
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) Peek() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, ErrTruncated
	}
	return r.data[r.pos], nil
}

func (r *Reader) U32BE() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrTruncated
	}
	v := uint32(r.data[r.pos])<<24 | uint32(r.data[r.pos+1])<<16 |
		uint32(r.data[r.pos+2])<<8 | uint32(r.data[r.pos+3])
	r.pos += 4
	return v, nil
}

func (r *Reader) Buf(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrTruncated
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// VU57 reads a 57-bit varint: up to seven continuation-bit bytes followed by
// one full final byte shifted into bits 49..56.
func (r *Reader) VU57() (uint64, error) {
	var result uint64
	var shift uint
	for i := 0; i < 8; i++ {
		b, err := r.U8()
		if err != nil {
			return 0, err
		}
		if i < 7 {
			result |= uint64(b&0x7f) << shift
			if b&0x80 == 0 {
				return result, nil
			}
			shift += 7
		} else {
			result |= uint64(b) << 49
			return result, nil
		}
	}
	return 0, ErrBadVarint
}

// B1VU56 reads a single flag bit packed with a 56-bit varint.
func (r *Reader) B1VU56() (flag byte, value uint64, err error) {
	first, err := r.U8()
	if err != nil {
		return 0, 0, err
	}
	flag = (first >> 7) & 1
	value = uint64(first & 0x3f)
	if first&0x40 == 0 {
		return flag, value, nil
	}
	var shift uint = 6
	for i := 0; i < 7; i++ {
		b, err := r.U8()
		if err != nil {
			return 0, 0, err
		}
		if i < 6 {
			value |= uint64(b&0x7f) << shift
			if b&0x80 == 0 {
				return flag, value, nil
			}
			shift += 7
		} else {
			value |= uint64(b) << 48
			return flag, value, nil
		}
	}
	return 0, 0, ErrBadVarint
}

// Writer accumulates an encoded payload.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

func (w *Writer) U8(b byte)        { w.buf = append(w.buf, b) }
func (w *Writer) Raw(data []byte)  { w.buf = append(w.buf, data...) }
func (w *Writer) U32BE(v uint32)   { w.buf = append(w.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v)) }
func (w *Writer) U16BE(v uint16)   { w.buf = append(w.buf, byte(v>>8), byte(v)) }
func (w *Writer) U64BE(v uint64)   { w.U32BE(uint32(v >> 32)); w.U32BE(uint32(v)) }

func (w *Writer) VU57(value uint64) {
	for i := 0; i < 7; i++ {
		b := byte(value & 0x7f)
		value >>= 7
		if value == 0 {
			w.buf = append(w.buf, b)
			return
		}
		w.buf = append(w.buf, b|0x80)
	}
	w.buf = append(w.buf, byte(value))
}

func (w *Writer) B1VU56(flag byte, value uint64) {
	first := (flag&1)<<7 | byte(value&0x3f)
	value >>= 6
	if value == 0 {
		w.buf = append(w.buf, first)
		return
	}
	w.buf = append(w.buf, first|0x40)
	for i := 0; i < 6; i++ {
		b := byte(value & 0x7f)
		value >>= 7
		if value == 0 {
			w.buf = append(w.buf, b)
			return
		}
		w.buf = append(w.buf, b|0x80)
	}
	w.buf = append(w.buf, byte(value))
}
