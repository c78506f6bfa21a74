package model

import "github.com/ilnaes/jsonpad/crdt/clock"

// The sequence algorithms below implement RGA over chunk lists. Ordering
// decisions only ever inspect the first position of a chunk: times inside a
// chunk are consecutive, so the first position decides for the whole run.

func seqContains(chunks []*Chunk, id clock.Timestamp) bool {
	for _, c := range chunks {
		if c.covers(id) {
			return true
		}
	}
	return false
}

// splitChunk cuts c after offset positions (0 < offset < span), returning
// the two halves.
func splitChunk(c *Chunk, offset uint64) (*Chunk, *Chunk) {
	left := &Chunk{ID: c.ID, Span: offset, Del: c.Del}
	right := &Chunk{
		ID:   clock.Timestamp{Sid: c.ID.Sid, Time: c.ID.Time + offset},
		Span: c.Span - offset,
		Del:  c.Del,
	}
	if c.Text != nil {
		left.Text = c.Text[:offset:offset]
		right.Text = c.Text[offset:]
	}
	if c.Data != nil {
		left.Data = c.Data[:offset:offset]
		right.Data = c.Data[offset:]
	}
	if c.Refs != nil {
		left.Refs = c.Refs[:offset:offset]
		right.Refs = c.Refs[offset:]
	}
	return left, right
}

// seqFindInsert locates the chunk index at which a new insert with the given
// id goes, anchored after ref. Ref equal to the container id (or the zero
// timestamp) anchors at the start of the sequence. Chunks may be split so
// the anchor falls on a chunk boundary. ok is false when the anchor does not
// exist or the id is already present at the anchor scan position.
func seqFindInsert(chunks []*Chunk, ref, container, id clock.Timestamp) ([]*Chunk, int, bool) {
	pos := 0
	if ref != container && !ref.IsZero() {
		found := false
		for i, c := range chunks {
			if !c.covers(ref) {
				continue
			}
			offset := ref.Time - c.ID.Time + 1
			if offset < c.Span {
				left, right := splitChunk(c, offset)
				chunks = append(chunks[:i:i], append([]*Chunk{left, right}, chunks[i+1:]...)...)
			}
			pos = i + 1
			found = true
			break
		}
		if !found {
			return chunks, 0, false
		}
	}

	// skip over chunks whose id orders after the new insert
	for pos < len(chunks) {
		first := chunks[pos].ID
		if first == id {
			return chunks, 0, false
		}
		if first.Time > id.Time || (first.Time == id.Time && first.Sid > id.Sid) {
			pos++
			continue
		}
		if first.Time == id.Time && first.Sid == id.Sid {
			return chunks, 0, false
		}
		break
	}
	return chunks, pos, true
}

func insertChunks(chunks []*Chunk, pos int, add ...*Chunk) []*Chunk {
	if len(add) == 0 {
		return chunks
	}
	out := make([]*Chunk, 0, len(chunks)+len(add))
	out = append(out, chunks[:pos]...)
	out = append(out, add...)
	out = append(out, chunks[pos:]...)
	return out
}

// seqDelete tombstones every position of the sequence covered by the span,
// splitting chunks at the span boundaries. Content of tombstoned chunks is
// discarded; id and span are retained. Positions outside the sequence are
// ignored, so duplicate deletes are no-ops.
func seqDelete(chunks []*Chunk, ts clock.Timespan) []*Chunk {
	if ts.Span == 0 {
		return chunks
	}
	lo, hi := ts.Time, ts.Time+ts.Span // [lo, hi)
	for i := 0; i < len(chunks); i++ {
		c := chunks[i]
		if c.ID.Sid != ts.Sid || c.Del {
			continue
		}
		cLo, cHi := c.ID.Time, c.ID.Time+c.Span
		if cHi <= lo || cLo >= hi {
			continue
		}
		if cLo < lo {
			left, right := splitChunk(c, lo-cLo)
			chunks = append(chunks[:i:i], append([]*Chunk{left, right}, chunks[i+1:]...)...)
			continue // revisit right half next iteration
		}
		if cHi > hi {
			left, right := splitChunk(c, hi-cLo)
			chunks = append(chunks[:i:i], append([]*Chunk{left, right}, chunks[i+1:]...)...)
			c = left
		} else {
			chunks[i] = c
		}
		c.Del = true
		c.Text, c.Data, c.Refs = nil, nil, nil
	}
	return chunks
}

// seqFind returns the chunk holding id together with the offset inside it.
func seqFind(chunks []*Chunk, id clock.Timestamp) (*Chunk, uint64, bool) {
	for _, c := range chunks {
		if c.covers(id) {
			return c, id.Time - c.ID.Time, true
		}
	}
	return nil, 0, false
}
