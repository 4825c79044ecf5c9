package pd

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// MaxFrameSize bounds a single frame read from a stream.
const MaxFrameSize = 64 << 20

var ErrFrameTooLarge = errors.New("pd: frame too large")

type Message interface {
	Reset()
}

func Marshal(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	encoder := gob.NewEncoder(&buf)
	if err := encoder.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func MustMarshal(msg Message) []byte {
	d, err := Marshal(msg)
	if err != nil {
		log.Panicf("marshal should never fail (%v)", err)
	}
	return d
}

func Unmarshal(msg Message, data []byte) error {
	msg.Reset()
	decode := gob.NewDecoder(bytes.NewReader(data))
	return decode.Decode(msg)
}

func MustUnmarshal(msg Message, data []byte) {
	if err := Unmarshal(msg, data); err != nil {
		log.Panicf("unmarshal should never fail (%v)", err)
	}
}

func MaybeUnmarshal(msg Message, data []byte) bool {
	return Unmarshal(msg, data) == nil
}

// WriteFrame writes msg as [len:4][gob bytes] to w.
func WriteFrame(w io.Writer, msg Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one frame written by WriteFrame into msg.
func ReadFrame(r io.Reader, msg Message) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	return Unmarshal(msg, data)
}
