package assembler

import "errors"

var (
	ErrStaleSequence   = errors.New("stale or duplicate sequence")
	ErrSequenceGap     = errors.New("sequence gap")
	ErrPayloadTooLarge = errors.New("cumulative audio size exceeds limit")
	ErrFinalized       = errors.New("assembler already finalized")
)

// Assembler collects audio fragments in strict sequence order and produces
// one contiguous buffer when recording stops. It is owned by a single
// session goroutine and is not safe for concurrent use.
type Assembler struct {
	maxBytes int
	nextSeq  uint64
	total    int
	parts    [][]byte
	final    []byte
	done     bool
}

// New returns an assembler expecting sequence numbers starting at 1.
// maxBytes caps the cumulative payload size; zero or negative disables the cap.
func New(maxBytes int) *Assembler {
	return &Assembler{maxBytes: maxBytes, nextSeq: 1}
}

// Append accepts the fragment with the next expected sequence number.
// Stale or duplicate sequences and gaps are rejected, never merged; a gap
// aborts the session upstream because evaluation needs complete audio.
func (a *Assembler) Append(seq uint64, payload []byte) error {
	if a.done {
		return ErrFinalized
	}
	if seq < a.nextSeq {
		return ErrStaleSequence
	}
	if seq > a.nextSeq {
		return ErrSequenceGap
	}
	if a.maxBytes > 0 && a.total+len(payload) > a.maxBytes {
		return ErrPayloadTooLarge
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	a.parts = append(a.parts, buf)
	a.total += len(buf)
	a.nextSeq++
	return nil
}

// Finalize concatenates the accepted fragments and closes the assembler to
// further appends. Calling it again returns the same buffer without
// reprocessing.
func (a *Assembler) Finalize() []byte {
	if a.done {
		return a.final
	}
	a.done = true
	a.final = make([]byte, 0, a.total)
	for _, p := range a.parts {
		a.final = append(a.final, p...)
	}
	a.parts = nil
	return a.final
}

// NextSequence reports the sequence number the assembler will accept next.
func (a *Assembler) NextSequence() uint64 { return a.nextSeq }

// Size reports the cumulative accepted payload bytes.
func (a *Assembler) Size() int { return a.total }

// Fragments reports how many fragments have been accepted.
func (a *Assembler) Fragments() int {
	if a.done {
		return int(a.nextSeq - 1)
	}
	return len(a.parts)
}
