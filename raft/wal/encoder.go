package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"os"

	walpd "github.com/thinkermao/replog/raft/wal/proto"
	"github.com/thinkermao/replog/utils/pd"
)

// frames are [length:4][gob record][zero padding], aligned to
// frameSizeBytes.
const (
	frameSizeBytes  = 8
	frameHeaderSize = 4
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type encoder struct {
	file   *os.File
	bw     *bufio.Writer
	offset int64
}

func makeEncoder(file *os.File, offset int64) *encoder {
	return &encoder{
		file:   file,
		bw:     bufio.NewWriter(file),
		offset: offset,
	}
}

func (e *encoder) encode(record *walpd.Record) error {
	record.Crc = crc32.Checksum(record.Data, crcTable)
	bytes, err := pd.Marshal(record)
	if err != nil {
		return err
	}

	length := len(bytes)
	padding := paddingOf(frameHeaderSize + length)
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(length))
	if _, err := e.bw.Write(header[:]); err != nil {
		return err
	}
	if _, err := e.bw.Write(bytes); err != nil {
		return err
	}
	if _, err := e.bw.Write(make([]byte, padding)); err != nil {
		return err
	}
	e.offset += int64(frameHeaderSize + length + padding)
	return nil
}

// flush hands buffered frames to the file, and fsyncs it when sync.
func (e *encoder) flush(sync bool) error {
	if err := e.bw.Flush(); err != nil {
		return err
	}
	if !sync {
		return nil
	}
	return e.file.Sync()
}

func paddingOf(size int) int {
	if rem := size % frameSizeBytes; rem != 0 {
		return frameSizeBytes - rem
	}
	return 0
}
