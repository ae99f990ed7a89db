package wal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nainya/wiredb/pkg/dbtypes"
)

// Replay reads every record from startLSN to the end of valid data in dir,
// calling apply for each. It stops — without error — the first time it
// cannot read a complete, CRC-valid chunk, since that is indistinguishable
// from "this is where the last crash truncated the log". It returns the
// LSN just past the last record applied, suitable as the manager's next
// append position.
func Replay(dir string, capacity int64, pageSize int, startLSN dbtypes.LSN, apply func(Record) error) (dbtypes.LSN, int, error) {
	segNo := uint32(int64(startLSN)/capacity) + 1
	segStart := dbtypes.LSN(int64(segNo-1) * capacity)
	pos := startLSN

	var pending []byte
	var pendingKind Kind
	var pendingLSN dbtypes.LSN
	count := 0

	for {
		path := filepath.Join(dir, fmt.Sprintf("%08x", segNo))
		f, err := os.Open(path)
		if err != nil {
			break // no more segments: replay ends here
		}

		offsetInSeg := int64(pos - segStart)
		pageIdx := offsetInSeg / int64(pageSize)
		posInPage := int(offsetInSeg % int64(pageSize))

		for {
			buf := make([]byte, pageSize)
			n, err := f.ReadAt(buf, pageIdx*int64(pageSize))
			if n < pageSize && (err != nil) {
				if n == 0 {
					f.Close()
					return pos, count, nil
				}
			}

			cursor := posInPage
			for cursor < pageSize {
				typ, data, consumed, ok := readChunk(buf[cursor:])
				if !ok {
					f.Close()
					return pos, count, nil
				}
				if typ == chunkNone {
					cursor = pageSize
					break
				}

				chunkLSN := segStart + dbtypes.LSN(pageIdx*int64(pageSize)+int64(cursor))
				switch typ {
				case chunkFull:
					pendingLSN = chunkLSN
					pendingKind = Kind(data[0])
					rec := Record{LSN: pendingLSN, Kind: pendingKind, Data: append([]byte(nil), data[1:]...)}
					if err := apply(rec); err != nil {
						f.Close()
						return pos, count, err
					}
					count++
				case chunkFirst:
					pendingLSN = chunkLSN
					pendingKind = Kind(data[0])
					pending = append([]byte(nil), data[1:]...)
				case chunkMiddle:
					pending = append(pending, data...)
				case chunkLast:
					pending = append(pending, data...)
					rec := Record{LSN: pendingLSN, Kind: pendingKind, Data: pending}
					if err := apply(rec); err != nil {
						f.Close()
						return pos, count, err
					}
					pending = nil
					count++
				}

				cursor += consumed
				pos = segStart + dbtypes.LSN(pageIdx*int64(pageSize)+int64(cursor))
			}

			posInPage = 0
			pageIdx++
			if pageIdx*int64(pageSize) >= capacity {
				break
			}
		}

		f.Close()
		segNo++
		segStart = dbtypes.LSN(int64(segNo-1) * capacity)
		pos = segStart
	}

	return pos, count, nil
}
