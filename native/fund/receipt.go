package fund

import (
	"bytes"
	"encoding/binary"
	"math/big"

	"lukechampine.com/blake3"
)

// Receipt identifiers are deterministic digests over a canonical,
// length-delimited payload. Indexers use them to deduplicate redelivered
// events, so two distinct operations must never collide and the same
// operation must always hash identically.

func writeDelimited(buf *bytes.Buffer, data []byte) {
	length := uint32(0)
	if data != nil {
		length = uint32(len(data))
	}
	_ = binary.Write(buf, binary.BigEndian, length)
	if length > 0 {
		buf.Write(data)
	}
}

func receiptID(kind string, addr [20]byte, amounts []*big.Int, sequence uint64, timestamp int64) [32]byte {
	buf := bytes.NewBuffer(nil)
	writeDelimited(buf, []byte(kind))
	buf.Write(addr[:])
	for _, amount := range amounts {
		var raw []byte
		if amount != nil {
			raw = amount.Bytes()
		}
		writeDelimited(buf, raw)
	}
	_ = binary.Write(buf, binary.BigEndian, sequence)
	_ = binary.Write(buf, binary.BigEndian, uint64(timestamp))
	return blake3.Sum256(buf.Bytes())
}
