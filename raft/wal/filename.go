package wal

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

var errBadWalName = errors.New("wal: bad wal name")

// segment file names are "{sequence}-{first index}.wal" in hex, so
// lexical order is sequence order.
func parseWalName(str string) (seq, index uint64, err error) {
	if !strings.HasSuffix(str, ".wal") {
		return 0, 0, errBadWalName
	}
	if _, err = fmt.Sscanf(str, "%016x-%016x.wal", &seq, &index); err != nil {
		return 0, 0, errBadWalName
	}
	return seq, index, nil
}

func walName(seq, index uint64) string {
	return fmt.Sprintf("%016x-%016x.wal", seq, index)
}

func filterWalNames(names []string) []string {
	result := make([]string, 0, len(names))
	for i := 0; i < len(names); i++ {
		if _, _, err := parseWalName(names[i]); err != nil {
			log.Debugf("wal: skip file %s", names[i])
			continue
		}
		result = append(result, names[i])
	}
	return result
}

func readAllWalNames(dir string) ([]string, error) {
	names, err := readDir(dir)
	if err != nil {
		return nil, err
	}

	names = filterWalNames(names)
	if len(names) == 0 {
		return nil, ErrFileNotFound
	}
	return names, nil
}

func isValidSequences(names []string) bool {
	var lastSeq uint64
	for i, name := range names {
		curSeq, _, err := parseWalName(name)
		if err != nil {
			log.Panicf("parse correct name should never fail: %v", err)
		}
		if i != 0 && lastSeq+1 != curSeq {
			return false
		}
		lastSeq = curSeq
	}
	return true
}

// searchIndex returns the position of the last segment starting at or
// before index.
func searchIndex(names []string, index uint64) (int, bool) {
	for i := len(names) - 1; i >= 0; i-- {
		_, curIndex, err := parseWalName(names[i])
		if err != nil {
			log.Panicf("parse correct name should never fail: %v", err)
		}
		if index >= curIndex {
			return i, true
		}
	}
	return -1, false
}
