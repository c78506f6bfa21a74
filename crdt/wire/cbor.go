package wire

import (
	"math"
	"sort"
	"unicode/utf8"
)

// ReadCBOR decodes one CBOR item and returns it together with the raw bytes
// it occupied. Values map to Go as: null -> nil, undefined -> Undefined{},
// bool, int64/uint64, float64, string, []byte, []any, map[string]any.
func (r *Reader) ReadCBOR() (value any, raw []byte, err error) {
	start := r.pos
	value, err = r.readCBORItem(0)
	if err != nil {
		return nil, nil, err
	}
	return value, r.data[start:r.pos], nil
}

const maxCBORDepth = 64

func (r *Reader) readCBORItem(depth int) (any, error) {
	if depth > maxCBORDepth {
		return nil, ErrInvalidCBOR
	}
	octet, err := r.U8()
	if err != nil {
		return nil, err
	}
	major := octet >> 5
	minor := octet & 0x1f

	switch major {
	case 0:
		n, err := r.readArg(minor)
		if err != nil {
			return nil, err
		}
		if n <= math.MaxInt64 {
			return int64(n), nil
		}
		return n, nil
	case 1:
		n, err := r.readArg(minor)
		if err != nil {
			return nil, err
		}
		if n > math.MaxInt64 {
			return nil, ErrInvalidCBOR
		}
		return -1 - int64(n), nil
	case 2:
		n, err := r.readArg(minor)
		if err != nil {
			return nil, err
		}
		buf, err := r.Buf(int(n))
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	case 3:
		n, err := r.readArg(minor)
		if err != nil {
			return nil, err
		}
		buf, err := r.Buf(int(n))
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(buf) {
			return nil, ErrInvalidCBOR
		}
		return string(buf), nil
	case 4:
		n, err := r.readArg(minor)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, min(int(n), 1024))
		for i := uint64(0); i < n; i++ {
			item, err := r.readCBORItem(depth + 1)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case 5:
		n, err := r.readArg(minor)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, min(int(n), 1024))
		for i := uint64(0); i < n; i++ {
			key, err := r.readCBORItem(depth + 1)
			if err != nil {
				return nil, err
			}
			k, ok := key.(string)
			if !ok {
				return nil, ErrInvalidCBOR
			}
			val, err := r.readCBORItem(depth + 1)
			if err != nil {
				return nil, err
			}
			out[k] = val
		}
		return out, nil
	case 7:
		switch minor {
		case 20:
			return false, nil
		case 21:
			return true, nil
		case 22:
			return nil, nil
		case 23:
			return Undefined{}, nil
		case 26:
			buf, err := r.Buf(4)
			if err != nil {
				return nil, err
			}
			bits := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
			return float64(math.Float32frombits(bits)), nil
		case 27:
			buf, err := r.Buf(8)
			if err != nil {
				return nil, err
			}
			var bits uint64
			for _, b := range buf {
				bits = bits<<8 | uint64(b)
			}
			return math.Float64frombits(bits), nil
		}
		return nil, ErrInvalidCBOR
	}
	// tags (major 6) and anything indefinite are not part of the wire subset
	return nil, ErrInvalidCBOR
}

func (r *Reader) readArg(minor byte) (uint64, error) {
	if minor < 24 {
		return uint64(minor), nil
	}
	switch minor {
	case 24:
		b, err := r.U8()
		return uint64(b), err
	case 25:
		buf, err := r.Buf(2)
		if err != nil {
			return 0, err
		}
		return uint64(buf[0])<<8 | uint64(buf[1]), nil
	case 26:
		buf, err := r.Buf(4)
		if err != nil {
			return 0, err
		}
		return uint64(buf[0])<<24 | uint64(buf[1])<<16 | uint64(buf[2])<<8 | uint64(buf[3]), nil
	case 27:
		buf, err := r.Buf(8)
		if err != nil {
			return 0, err
		}
		var n uint64
		for _, b := range buf {
			n = n<<8 | uint64(b)
		}
		return n, nil
	}
	return 0, ErrInvalidCBOR
}

// WriteText writes a CBOR text string. The header width follows the upstream
// json-pack writeStr rule: it is selected from the worst-case UTF-8 size
// (rune count times four), not from the actual byte length.
func (w *Writer) WriteText(s string) {
	utf8Len := len(s)
	maxSize := utf8.RuneCountInString(s) * 4

	switch {
	case maxSize <= 23:
		w.U8(0x60 + byte(utf8Len))
	case maxSize <= 0xff:
		w.U8(0x78)
		w.U8(byte(utf8Len))
	case maxSize <= 0xffff:
		w.U8(0x79)
		w.U16BE(uint16(utf8Len))
	default:
		w.U8(0x7a)
		w.U32BE(uint32(utf8Len))
	}
	w.Raw([]byte(s))
}

// WriteJSON writes a Go JSON value as CBOR following the upstream json-pack
// encoder: shortest-form integers, float32 when it round-trips, and the
// WriteText string header rule. Map keys are written in sorted order.
func (w *Writer) WriteJSON(value any) error {
	switch v := value.(type) {
	case nil:
		w.U8(0xf6)
	case Undefined:
		w.U8(0xf7)
	case bool:
		if v {
			w.U8(0xf5)
		} else {
			w.U8(0xf4)
		}
	case int:
		w.writeInt(int64(v))
	case int64:
		w.writeInt(v)
	case uint64:
		w.WriteMajorLen(0, v)
	case float64:
		// integral doubles encode as integers, matching JS number handling
		if v == math.Trunc(v) && v >= -9007199254740992 && v <= 9007199254740992 {
			w.writeInt(int64(v))
			return nil
		}
		if f32RoundTrips(v) {
			w.U8(0xfa)
			w.U32BE(math.Float32bits(float32(v)))
		} else {
			w.U8(0xfb)
			w.U64BE(math.Float64bits(v))
		}
	case string:
		w.WriteText(v)
	case []byte:
		w.WriteMajorLen(2, uint64(len(v)))
		w.Raw(v)
	case []any:
		w.WriteMajorLen(4, uint64(len(v)))
		for _, item := range v {
			if err := w.WriteJSON(item); err != nil {
				return err
			}
		}
	case map[string]any:
		w.WriteMajorLen(5, uint64(len(v)))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w.WriteText(k)
			if err := w.WriteJSON(v[k]); err != nil {
				return err
			}
		}
	default:
		return ErrInvalidCBOR
	}
	return nil
}

func (w *Writer) writeInt(n int64) {
	if n >= 0 {
		w.WriteMajorLen(0, uint64(n))
	} else {
		w.WriteMajorLen(1, uint64(-1-n))
	}
}

// WriteMajorLen writes a CBOR header with the canonical shortest argument.
func (w *Writer) WriteMajorLen(major byte, n uint64) {
	bits := major << 5
	switch {
	case n <= 23:
		w.U8(bits | byte(n))
	case n <= 0xff:
		w.U8(bits | 24)
		w.U8(byte(n))
	case n <= 0xffff:
		w.U8(bits | 25)
		w.U16BE(uint16(n))
	case n <= 0xffffffff:
		w.U8(bits | 26)
		w.U32BE(uint32(n))
	default:
		w.U8(bits | 27)
		w.U64BE(n)
	}
}

func f32RoundTrips(v float64) bool {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return false
	}
	return float64(float32(v)) == v
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
