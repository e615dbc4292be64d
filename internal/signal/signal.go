// Package signal smooths noisy on-screen readings through consensus buffering.
//
// OCR readings of counters and labels flicker: animation frames, antialiasing,
// and partial redraws produce occasional garbage values. A reader accumulates
// readings in a small FIFO buffer and only confirms a value when a full buffer
// agrees within tolerance. A buffer that disagrees is discarded whole; there is
// no outlier rejection, the next confirmation starts from scratch.
package signal

// DefaultCapacity is the consensus buffer depth used throughout.
const DefaultCapacity = 3

// NumberReader confirms integer readings. A full buffer confirms when its
// spread (max minus min) is within tolerance; the confirmed value is the mode,
// with ties broken by the earliest buffered value.
type NumberReader struct {
	capacity  int
	tolerance int
	buf       []int
}

// NewNumberReader builds a reader. capacity <= 0 falls back to
// DefaultCapacity; tolerance < 0 is treated as 0.
func NewNumberReader(capacity, tolerance int) *NumberReader {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if tolerance < 0 {
		tolerance = 0
	}
	return &NumberReader{
		capacity:  capacity,
		tolerance: tolerance,
		buf:       make([]int, 0, capacity),
	}
}

// SetTolerance adjusts the accepted spread for subsequent confirmations.
func (r *NumberReader) SetTolerance(tolerance int) {
	if tolerance < 0 {
		tolerance = 0
	}
	r.tolerance = tolerance
}

// Push buffers one reading. When the buffer reaches capacity it is consumed:
// either the consensus value is confirmed, or the disagreeing buffer is
// discarded. The boolean reports whether a value was confirmed.
func (r *NumberReader) Push(v int) (int, bool) {
	r.buf = append(r.buf, v)
	if len(r.buf) < r.capacity {
		return 0, false
	}
	lo, hi := r.buf[0], r.buf[0]
	for _, b := range r.buf[1:] {
		if b < lo {
			lo = b
		}
		if b > hi {
			hi = b
		}
	}
	if hi-lo > r.tolerance {
		r.buf = r.buf[:0]
		return 0, false
	}
	v = mode(r.buf)
	r.buf = r.buf[:0]
	return v, true
}

// Len returns the number of buffered, not yet consumed readings.
func (r *NumberReader) Len() int { return len(r.buf) }

// Clear drops any buffered readings, for use when the source region changes
// meaning (a flow ran, the app restarted).
func (r *NumberReader) Clear() { r.buf = r.buf[:0] }

// mode returns the most frequent value; on ties the value buffered earliest
// wins.
func mode(buf []int) int {
	counts := make(map[int]int, len(buf))
	for _, v := range buf {
		counts[v]++
	}
	best := buf[0]
	bestCount := counts[best]
	for _, v := range buf[1:] {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	return best
}

// TextReader confirms string readings. A full buffer confirms only when every
// entry is identical.
type TextReader struct {
	capacity int
	buf      []string
}

// NewTextReader builds a reader; capacity <= 0 falls back to DefaultCapacity.
func NewTextReader(capacity int) *TextReader {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &TextReader{capacity: capacity, buf: make([]string, 0, capacity)}
}

// Push buffers one reading; the semantics mirror NumberReader.Push with an
// exact-equality consensus rule.
func (r *TextReader) Push(s string) (string, bool) {
	r.buf = append(r.buf, s)
	if len(r.buf) < r.capacity {
		return "", false
	}
	for _, b := range r.buf[1:] {
		if b != r.buf[0] {
			r.buf = r.buf[:0]
			return "", false
		}
	}
	s = r.buf[0]
	r.buf = r.buf[:0]
	return s, true
}

// Len returns the number of buffered, not yet consumed readings.
func (r *TextReader) Len() int { return len(r.buf) }

// Clear drops any buffered readings.
func (r *TextReader) Clear() { r.buf = r.buf[:0] }
