package validator

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/thinkermao/replog/raft/proto"
)

// ErrReprocessingInconsistency is latched once detection is enabled and
// validation failed often enough to suspect the state machine diverged.
var ErrReprocessingInconsistency = errors.New("validator: reprocessing inconsistency detected")

// ValidationError rejects a single append.
type ValidationError struct {
	Index  uint64
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validator: entry %d rejected: %s", e.Index, e.Reason)
}

// Guard wraps a Validator with the inconsistency detection policy.
// It is owned by the partition's execution context.
type Guard struct {
	id        uint64
	validator Validator
	detect    bool
	limit     int

	failures     int
	inconsistent error
}

// MakeGuard creates a guard. limit below one is treated as one.
func MakeGuard(id uint64, v Validator, detect bool, limit int) *Guard {
	if v == nil {
		v = Noop
	}
	if limit < 1 {
		limit = 1
	}
	return &Guard{id: id, validator: v, detect: detect, limit: limit}
}

// Check validates next against last. A failure always returns a
// *ValidationError. Once the guard latched an inconsistency every call
// returns ErrReprocessingInconsistency.
func (g *Guard) Check(last, next *raftpd.Entry) error {
	if g.inconsistent != nil {
		return g.inconsistent
	}

	result := g.validator.Validate(last, next)
	if result.Valid {
		g.failures = 0
		return nil
	}

	g.failures++
	if !g.detect {
		log.Warnf("%d entry %d failed validation: %s", g.id, next.Index, result.Reason)
		return &ValidationError{Index: next.Index, Reason: result.Reason}
	}

	log.Errorf("%d entry %d failed validation (%d/%d): %s",
		g.id, next.Index, g.failures, g.limit, result.Reason)
	if g.failures >= g.limit {
		g.inconsistent = fmt.Errorf("%w: %s", ErrReprocessingInconsistency, result.Reason)
	}
	return &ValidationError{Index: next.Index, Reason: result.Reason}
}

// Inconsistency returns the latched error, if any.
func (g *Guard) Inconsistency() error {
	return g.inconsistent
}
