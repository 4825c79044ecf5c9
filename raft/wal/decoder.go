package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	walpd "github.com/thinkermao/replog/raft/wal/proto"
	"github.com/thinkermao/replog/utils/pd"
)

type decoder struct {
	brs []*bufio.Reader
	// offset just after the last valid frame of the current file.
	lastValidOff int64
}

func makeDecoder(files []*os.File) *decoder {
	readers := make([]*bufio.Reader, len(files))
	for i := range files {
		readers[i] = bufio.NewReader(files[i])
	}
	return &decoder{brs: readers}
}

// remaining returns the number of files not fully decoded, the current
// one included.
func (d *decoder) remaining() int {
	return len(d.brs)
}

func (d *decoder) decode(record *walpd.Record) error {
	record.Reset()
	if len(d.brs) == 0 {
		return io.EOF
	}

	var header [frameHeaderSize]byte
	_, err := io.ReadFull(d.brs[0], header[:])
	length := int(binary.LittleEndian.Uint32(header[:]))
	if err == io.EOF || (err == nil && length == 0) {
		// hit end of file or zeroed space.
		if len(d.brs) == 1 {
			return io.EOF
		}
		d.brs = d.brs[1:]
		d.lastValidOff = 0
		return d.decode(record)
	}
	if err != nil {
		return io.ErrUnexpectedEOF
	}

	data := make([]byte, length+paddingOf(frameHeaderSize+length))
	if _, err = io.ReadFull(d.brs[0], data); err != nil {
		// ReadFull returns io.EOF only if no bytes were read, a frame
		// was cut either way.
		return io.ErrUnexpectedEOF
	}
	if err := pd.Unmarshal(record, data[:length]); err != nil {
		return ErrCRCMismatch
	}
	if record.Crc != crc32.Checksum(record.Data, crcTable) {
		return ErrCRCMismatch
	}

	d.lastValidOff += int64(frameHeaderSize + len(data))
	return nil
}
