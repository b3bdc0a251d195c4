// Package event defines the serialized event blob. The same framing
// is written to the durable queue and sent on the output wire: a
// 32-bit little-endian size prefix equal to the total blob length,
// followed by the event id, flags and records.
package event

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/therealutkarshpriyadarshi/audisp/pkg/types"
)

const (
	// HeaderSize is the fixed portion of a blob: size prefix,
	// event id triple, record count and flags.
	HeaderSize = 4 + 8 + 4 + 8 + 2 + 2

	// AckSize is the output wire acknowledgement frame: the event
	// id triple, little endian.
	AckSize = 8 + 4 + 8

	// MaxBlobSize bounds a single serialized event.
	MaxBlobSize = 16 * 1024 * 1024

	flagComplete uint16 = 1 << 0
)

var (
	ErrBlobTooLarge = errors.New("serialized event too large")
	ErrBadBlob      = errors.New("inconsistent serialized event")
)

// Encode serializes an event. The node of each record, when present,
// is materialized as a synthetic "node" field ahead of the parsed
// fields. Session fields are normalized on the way through.
func Encode(ev *types.Event) ([]byte, error) {
	size := HeaderSize
	for _, rec := range ev.Records {
		size += recordSize(rec)
	}
	if size > MaxBlobSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlobTooLarge, size)
	}
	if len(ev.Records) > 0xFFFF {
		return nil, fmt.Errorf("%w: %d records", ErrBlobTooLarge, len(ev.Records))
	}

	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(size))
	buf = binary.LittleEndian.AppendUint64(buf, ev.EventId.Seconds)
	buf = binary.LittleEndian.AppendUint32(buf, ev.EventId.Milliseconds)
	buf = binary.LittleEndian.AppendUint64(buf, ev.EventId.Serial)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ev.Records)))
	var flags uint16
	if ev.Complete {
		flags |= flagComplete
	}
	buf = binary.LittleEndian.AppendUint16(buf, flags)

	for _, rec := range ev.Records {
		buf = appendRecord(buf, rec)
	}

	if len(buf) != size {
		return nil, fmt.Errorf("%w: encoded %d bytes, expected %d", ErrBadBlob, len(buf), size)
	}
	return buf, nil
}

func recordSize(rec *types.Record) int {
	n := 4 + 2 + len(rec.TypeName) + 2
	if rec.Node != "" {
		n += 2 + len("node") + 2 + len(rec.Node)
	}
	for _, f := range rec.Fields {
		n += 2 + len(f.Name) + 2 + len(normalizeFieldValue(f.Name, f.Value))
	}
	return n
}

func appendRecord(buf []byte, rec *types.Record) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, rec.TypeCode)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.TypeName)))
	buf = append(buf, rec.TypeName...)

	numFields := len(rec.Fields)
	if rec.Node != "" {
		numFields++
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(numFields))

	if rec.Node != "" {
		buf = appendField(buf, "node", rec.Node)
	}
	for _, f := range rec.Fields {
		buf = appendField(buf, f.Name, normalizeFieldValue(f.Name, f.Value))
	}
	return buf
}

func appendField(buf []byte, name, value string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(value)))
	buf = append(buf, value...)
	return buf
}

// normalizeFieldValue maps the two kernel spellings of "no session"
// to the single downstream form.
func normalizeFieldValue(name, value string) string {
	if name == "ses" || name == "session" {
		if value == "unset" || value == "4294967295" {
			return "-1"
		}
	}
	return value
}

// PeekEventId reads the event id out of a blob without decoding the
// records. The dispatcher uses it to match acknowledgements.
func PeekEventId(blob []byte) (types.EventId, error) {
	if len(blob) < HeaderSize {
		return types.EventId{}, fmt.Errorf("%w: %d bytes", ErrBadBlob, len(blob))
	}
	if binary.LittleEndian.Uint32(blob) != uint32(len(blob)) {
		return types.EventId{}, fmt.Errorf("%w: size prefix %d != length %d",
			ErrBadBlob, binary.LittleEndian.Uint32(blob), len(blob))
	}
	return types.EventId{
		Seconds:      binary.LittleEndian.Uint64(blob[4:]),
		Milliseconds: binary.LittleEndian.Uint32(blob[12:]),
		Serial:       binary.LittleEndian.Uint64(blob[16:]),
	}, nil
}

// Decode parses a blob back into an event. Field strings are views
// into one string conversion of the blob.
func Decode(blob []byte) (*types.Event, error) {
	id, err := PeekEventId(blob)
	if err != nil {
		return nil, err
	}
	ev := &types.Event{EventId: id}

	numRecords := int(binary.LittleEndian.Uint16(blob[24:]))
	flags := binary.LittleEndian.Uint16(blob[26:])
	ev.Complete = flags&flagComplete != 0

	str := string(blob)
	off := HeaderSize
	for i := 0; i < numRecords; i++ {
		rec := &types.Record{EventId: id}
		if off+6 > len(blob) {
			return nil, fmt.Errorf("%w: truncated record %d", ErrBadBlob, i)
		}
		rec.TypeCode = binary.LittleEndian.Uint32(blob[off:])
		off += 4
		nameLen := int(binary.LittleEndian.Uint16(blob[off:]))
		off += 2
		if off+nameLen+2 > len(blob) {
			return nil, fmt.Errorf("%w: truncated record %d type name", ErrBadBlob, i)
		}
		rec.TypeName = str[off : off+nameLen]
		off += nameLen

		numFields := int(binary.LittleEndian.Uint16(blob[off:]))
		off += 2
		for j := 0; j < numFields; j++ {
			var name, value string
			name, off, err = decodeString(str, blob, off)
			if err != nil {
				return nil, fmt.Errorf("%w: record %d field %d name", ErrBadBlob, i, j)
			}
			value, off, err = decodeString(str, blob, off)
			if err != nil {
				return nil, fmt.Errorf("%w: record %d field %d value", ErrBadBlob, i, j)
			}
			if name == "node" && j == 0 {
				rec.Node = value
				continue
			}
			rec.Fields = append(rec.Fields, types.Field{Name: name, Value: value})
		}
		ev.Records = append(ev.Records, rec)
	}
	if off != len(blob) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadBlob, len(blob)-off)
	}
	return ev, nil
}

func decodeString(str string, blob []byte, off int) (string, int, error) {
	if off+2 > len(blob) {
		return "", off, ErrBadBlob
	}
	n := int(binary.LittleEndian.Uint16(blob[off:]))
	off += 2
	if off+n > len(blob) {
		return "", off, ErrBadBlob
	}
	return str[off : off+n], off + n, nil
}

// EncodeAck builds the 20-byte acknowledgement frame for an event id.
func EncodeAck(id types.EventId) []byte {
	buf := make([]byte, 0, AckSize)
	buf = binary.LittleEndian.AppendUint64(buf, id.Seconds)
	buf = binary.LittleEndian.AppendUint32(buf, id.Milliseconds)
	buf = binary.LittleEndian.AppendUint64(buf, id.Serial)
	return buf
}

// DecodeAck parses a 20-byte acknowledgement frame.
func DecodeAck(buf []byte) (types.EventId, error) {
	if len(buf) != AckSize {
		return types.EventId{}, fmt.Errorf("%w: ack frame is %d bytes", ErrBadBlob, len(buf))
	}
	return types.EventId{
		Seconds:      binary.LittleEndian.Uint64(buf),
		Milliseconds: binary.LittleEndian.Uint32(buf[8:]),
		Serial:       binary.LittleEndian.Uint64(buf[12:]),
	}, nil
}
