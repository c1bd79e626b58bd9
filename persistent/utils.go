package persistent

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/sushantsondhi/broker-raft/common"
)

func EncodeToBytes(p interface{}) ([]byte, error) {
	buf := bytes.Buffer{}
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeToLogEntry(s []byte) (common.LogEntry, error) {
	entry := common.LogEntry{}
	dec := gob.NewDecoder(bytes.NewReader(s))
	err := dec.Decode(&entry)
	return entry, err
}

// Positions are non-negative, so their big-endian encoding sorts in bolt's byte order.
func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

func bytesToInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
