// Package wire implements the framing used between a layoutd client and
// server over a single byte stream.
//
// Client to server, once per submitted task:
//
//	[int32 length][task wire form]
//
// Server to client, one tag byte and then:
//
//	tag 1: [int32 length][snapshot diff]
//	tag 2: [uint16 length][task name][int32 length][outcome]
//
// All integers are big-endian.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Tags of server-to-client messages.
const (
	TagSnapshot byte = 1
	TagResult   byte = 2
)

// MaxFrameSize bounds every length-prefixed payload.
const MaxFrameSize = 64 << 20

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrUnknownTag    = errors.New("unknown message tag")
)

// Message is one decoded server-to-client message.
type Message struct {
	Tag      byte
	Diff     []byte // TagSnapshot
	TaskName string // TagResult
	Result   []byte // TagResult
}

// WriteTask writes a task frame.
func WriteTask(w io.Writer, payload []byte) error {
	return writeFrame(w, payload)
}

// ReadTask reads a task frame.
func ReadTask(r io.Reader) ([]byte, error) {
	return readFrame(r)
}

// WriteSnapshot writes a tag 1 message.
func WriteSnapshot(w io.Writer, diff []byte) error {
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(TagSnapshot); err != nil {
		return err
	}
	if err := writeFrame(bw, diff); err != nil {
		return err
	}
	return bw.Flush()
}

// WriteResult writes a tag 2 message.
func WriteResult(w io.Writer, taskName string, result []byte) error {
	if len(taskName) > math.MaxUint16 {
		return fmt.Errorf("task name of %d bytes: %w", len(taskName), ErrFrameTooLarge)
	}
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(TagResult); err != nil {
		return err
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(taskName)))
	if _, err := bw.Write(n[:]); err != nil {
		return err
	}
	if _, err := bw.WriteString(taskName); err != nil {
		return err
	}
	if err := writeFrame(bw, result); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadMessage reads one server-to-client message.
func ReadMessage(r io.Reader) (Message, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Message{}, err
	}
	switch tag[0] {
	case TagSnapshot:
		diff, err := readFrame(r)
		if err != nil {
			return Message{}, fmt.Errorf("snapshot: %w", err)
		}
		return Message{Tag: TagSnapshot, Diff: diff}, nil
	case TagResult:
		var n [2]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return Message{}, fmt.Errorf("result name: %w", err)
		}
		name := make([]byte, binary.BigEndian.Uint16(n[:]))
		if _, err := io.ReadFull(r, name); err != nil {
			return Message{}, fmt.Errorf("result name: %w", err)
		}
		result, err := readFrame(r)
		if err != nil {
			return Message{}, fmt.Errorf("result: %w", err)
		}
		return Message{Tag: TagResult, TaskName: string(name), Result: result}, nil
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownTag, tag[0])
	}
}

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(payload)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	size := int32(binary.BigEndian.Uint32(n[:]))
	if size < 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
