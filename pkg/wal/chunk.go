package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/nainya/wiredb/pkg/dbtypes"
)

// writeChunk frames data into dst (which must have at least
// chunkHeaderSize+len(data) bytes) as [type:u8][len:u16][data][crc32:u32].
// CRC covers type+len+data.
func writeChunk(dst []byte, typ chunkType, data []byte) int {
	dst[0] = byte(typ)
	binary.LittleEndian.PutUint16(dst[1:3], uint16(len(data)))
	copy(dst[3:], data)
	crc := crc32.ChecksumIEEE(dst[:3+len(data)])
	binary.LittleEndian.PutUint32(dst[3+len(data):3+len(data)+4], crc)
	return chunkHeaderSize + len(data)
}

// readChunk parses one chunk from the front of buf. ok is false if buf does
// not hold a complete, CRC-valid chunk (including the chunkNone padding
// case, where ok is true but data is nil).
func readChunk(buf []byte) (typ chunkType, data []byte, consumed int, ok bool) {
	if len(buf) < 1 {
		return 0, nil, 0, false
	}
	typ = chunkType(buf[0])
	if typ == chunkNone {
		return chunkNone, nil, len(buf), true
	}
	if len(buf) < 3 {
		return 0, nil, 0, false
	}
	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	total := 3 + length + 4
	if len(buf) < total {
		return 0, nil, 0, false
	}
	crc := binary.LittleEndian.Uint32(buf[3+length : total])
	if crc32.ChecksumIEEE(buf[:3+length]) != crc {
		return 0, nil, 0, false
	}
	return typ, buf[3 : 3+length], total, true
}

// Record is one fully reassembled WAL record as returned by replay.
type Record struct {
	LSN  dbtypes.LSN // LSN of the record's first chunk
	Kind Kind
	Data []byte
}
