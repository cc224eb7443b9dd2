package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

var errTruncatedPayload = errors.New("crdt: truncated binary payload")

func encodeOps(ops []Op) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(ops)))
	for _, op := range ops {
		buf.WriteByte(byte(op.Kind))
		writeOpID(&buf, op.ID)
		switch op.Kind {
		case opInsert:
			writeOpID(&buf, op.OriginLeft)
			writeUvarint(&buf, uint64(op.Value))
		case opDelete:
			writeOpID(&buf, op.Target)
		}
	}
	return buf.Bytes()
}

func decodeOps(payload []byte) ([]Op, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	r := bytes.NewReader(payload)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errTruncatedPayload
	}
	ops := make([]Op, 0, count)
	for i := uint64(0); i < count; i++ {
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, errTruncatedPayload
		}
		op := Op{Kind: opKind(kindByte)}
		op.ID, err = readOpID(r)
		if err != nil {
			return nil, err
		}
		switch op.Kind {
		case opInsert:
			op.OriginLeft, err = readOpID(r)
			if err != nil {
				return nil, err
			}
			value, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, errTruncatedPayload
			}
			op.Value = rune(value)
		case opDelete:
			op.Target, err = readOpID(r)
			if err != nil {
				return nil, err
			}
		default:
			return nil, errors.New("crdt: unknown op kind")
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func encodeStateVector(sv map[SiteID]uint64) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(sv)))
	for site, counter := range sv {
		writeString(&buf, string(site))
		writeUvarint(&buf, counter)
	}
	return buf.Bytes()
}

func decodeStateVector(payload []byte) (map[SiteID]uint64, error) {
	r := bytes.NewReader(payload)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errTruncatedPayload
	}
	sv := make(map[SiteID]uint64, count)
	for i := uint64(0); i < count; i++ {
		site, err := readString(r)
		if err != nil {
			return nil, err
		}
		counter, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, errTruncatedPayload
		}
		sv[SiteID(site)] = counter
	}
	return sv, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return "", errTruncatedPayload
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", errTruncatedPayload
	}
	return string(out), nil
}

func writeOpID(buf *bytes.Buffer, id OpID) {
	writeString(buf, string(id.Site))
	writeUvarint(buf, id.Counter)
}

func readOpID(r *bytes.Reader) (OpID, error) {
	site, err := readString(r)
	if err != nil {
		return OpID{}, err
	}
	counter, err := binary.ReadUvarint(r)
	if err != nil {
		return OpID{}, errTruncatedPayload
	}
	return OpID{Site: SiteID(site), Counter: counter}, nil
}
