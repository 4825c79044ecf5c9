package utils

import (
	log "github.com/sirupsen/logrus"
)

// Debug enables invariant checks. Release builds of the simulation may
// turn it off to save time.
var Debug = true

// Assert logs and panics when cond does not hold. Invariants of the
// protocol are programming errors, never runtime conditions.
func Assert(cond bool, format string, a ...interface{}) {
	if Debug && !cond {
		log.Panicf(format, a...)
	}
}
