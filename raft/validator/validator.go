// Package validator checks application entries before a leader appends
// them, and turns repeated failures into an inconsistency signal.
package validator

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/thinkermao/replog/raft/proto"
)

// Result of validating one entry. Reason explains a failure.
type Result struct {
	Valid  bool
	Reason string
}

// Success is the result of an accepted entry.
func Success() Result { return Result{Valid: true} }

// Failure builds a rejected result.
func Failure(format string, args ...interface{}) Result {
	return Result{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// Validator decides whether next may follow last in the log. last is
// nil when the log holds no application entry yet.
type Validator interface {
	Validate(last, next *raftpd.Entry) Result
}

// Func adapts a function to Validator.
type Func func(last, next *raftpd.Entry) Result

func (f Func) Validate(last, next *raftpd.Entry) Result { return f(last, next) }

// Noop accepts every entry.
var Noop Validator = Func(func(_, _ *raftpd.Entry) Result { return Success() })

// SequenceLength is the size of the big-endian sequence prefix read by
// Sequence.
const SequenceLength = 8

// ErrNoSequence is returned by ReadSequence for short payloads.
var ErrNoSequence = errors.New("validator: entry carries no sequence")

// ReadSequence extracts the big-endian sequence prefix of data.
func ReadSequence(data []byte) (uint64, error) {
	if len(data) < SequenceLength {
		return 0, ErrNoSequence
	}
	return binary.BigEndian.Uint64(data[:SequenceLength]), nil
}

// PutSequence prefixes payload with seq, the format Sequence expects.
func PutSequence(seq uint64, payload []byte) []byte {
	data := make([]byte, SequenceLength+len(payload))
	binary.BigEndian.PutUint64(data, seq)
	copy(data[SequenceLength:], payload)
	return data
}

// Sequence requires the sequence prefix of each entry to be strictly
// greater than the previous one.
type Sequence struct{}

func (Sequence) Validate(last, next *raftpd.Entry) Result {
	seq, err := ReadSequence(next.Data)
	if err != nil {
		return Failure("entry %d: %v", next.Index, err)
	}
	if last == nil {
		return Success()
	}
	prev, err := ReadSequence(last.Data)
	if err != nil {
		// the previous entry predates sequencing.
		return Success()
	}
	if seq <= prev {
		return Failure("sequence %d of entry %d is not greater than %d of entry %d",
			seq, next.Index, prev, last.Index)
	}
	return Success()
}
