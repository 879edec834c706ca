package crdt

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Delta is an opaque, serializable description of one or more mutations to a
// Document. Deltas are immutable once produced; peers may receive them
// duplicated and in any order.
type Delta []byte

// Wire layout:
//
//	[magic:1][version:1][count:4] then per op:
//	[kind:1][id][parent id?][rune:4]
//
// where an id is [client_len:2][client bytes][counter:8]. All integers are
// big-endian. Insert ops carry parent and rune; delete ops carry only the
// target id.
const (
	deltaMagic   = 0xD7
	deltaVersion = 1
)

type opKind byte

const (
	opInsert opKind = 0x01
	opDelete opKind = 0x02
)

type op struct {
	kind   opKind
	id     ID
	parent ID   // insert only
	r      rune // insert only
}

func encodeID(buf []byte, id ID) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(id.Client)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, id.Client...)
	var ctrBuf [8]byte
	binary.BigEndian.PutUint64(ctrBuf[:], id.Counter)
	return append(buf, ctrBuf[:]...)
}

func encodeOps(ops []op) Delta {
	buf := make([]byte, 0, 32*len(ops)+6)
	buf = append(buf, deltaMagic, deltaVersion)
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(ops)))
	buf = append(buf, countBuf[:]...)

	for _, o := range ops {
		buf = append(buf, byte(o.kind))
		buf = encodeID(buf, o.id)
		if o.kind == opInsert {
			buf = encodeID(buf, o.parent)
			var runeBuf [4]byte
			binary.BigEndian.PutUint32(runeBuf[:], uint32(o.r))
			buf = append(buf, runeBuf[:]...)
		}
	}
	return buf
}

type deltaReader struct {
	buf []byte
	pos int
}

func (r *deltaReader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("truncated at byte %d: %w", r.pos, ErrMalformedDelta)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *deltaReader) readID() (ID, error) {
	lenBuf, err := r.take(2)
	if err != nil {
		return ID{}, err
	}
	clientLen := int(binary.BigEndian.Uint16(lenBuf))
	client, err := r.take(clientLen)
	if err != nil {
		return ID{}, err
	}
	ctrBuf, err := r.take(8)
	if err != nil {
		return ID{}, err
	}
	return ID{Client: string(client), Counter: binary.BigEndian.Uint64(ctrBuf)}, nil
}

// decodeOps validates and decodes an entire delta before anything is applied,
// so a corrupt delta never half-applies.
func decodeOps(delta []byte) ([]op, error) {
	r := &deltaReader{buf: delta}

	header, err := r.take(6)
	if err != nil {
		return nil, err
	}
	if header[0] != deltaMagic {
		return nil, fmt.Errorf("bad magic 0x%02X: %w", header[0], ErrMalformedDelta)
	}
	if header[1] != deltaVersion {
		return nil, fmt.Errorf("unsupported version %d: %w", header[1], ErrMalformedDelta)
	}
	count := binary.BigEndian.Uint32(header[2:6])

	// The smallest op is a delete: kind byte plus an id of at least 10 bytes.
	// A count the remaining bytes cannot possibly hold is corrupt; checking
	// before allocating keeps a forged count field from reserving memory.
	const minOpSize = 11
	if uint64(count)*minOpSize > uint64(len(delta)-6) {
		return nil, fmt.Errorf("count %d exceeds delta size: %w", count, ErrMalformedDelta)
	}

	ops := make([]op, 0, count)
	for i := uint32(0); i < count; i++ {
		kindBuf, err := r.take(1)
		if err != nil {
			return nil, err
		}
		o := op{kind: opKind(kindBuf[0])}
		if o.id, err = r.readID(); err != nil {
			return nil, err
		}
		if o.id.Counter == 0 {
			return nil, fmt.Errorf("op %d has zero counter: %w", i, ErrMalformedDelta)
		}

		switch o.kind {
		case opInsert:
			if o.parent, err = r.readID(); err != nil {
				return nil, err
			}
			runeBuf, err := r.take(4)
			if err != nil {
				return nil, err
			}
			o.r = rune(binary.BigEndian.Uint32(runeBuf))
			if !utf8.ValidRune(o.r) {
				return nil, fmt.Errorf("op %d carries invalid rune: %w", i, ErrMalformedDelta)
			}
		case opDelete:
			// target id only
		default:
			return nil, fmt.Errorf("unknown op kind 0x%02X: %w", kindBuf[0], ErrMalformedDelta)
		}
		ops = append(ops, o)
	}

	if r.pos != len(delta) {
		return nil, fmt.Errorf("%d trailing bytes: %w", len(delta)-r.pos, ErrMalformedDelta)
	}
	return ops, nil
}
