package checkpoint

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/nainya/wiredb/pkg/dbtypes"
)

// DBState tracks where the engine is in its startup/shutdown lifecycle,
// persisted in the master record so a restart can tell a clean shutdown
// from a crash.
type DBState uint8

const (
	StateShutdown DBState = iota
	StateShuttingDown
	StateInCrashRecovery
	StateInProduction
)

func (s DBState) String() string {
	switch s {
	case StateShutdown:
		return "shutdown"
	case StateShuttingDown:
		return "shutting_down"
	case StateInCrashRecovery:
		return "in_crash_recovery"
	case StateInProduction:
		return "in_production"
	default:
		return "unknown"
	}
}

// MasterRecord is the engine's single persistent bootstrap fact: where
// the last checkpoint landed in the log, and the OID/XID high-water marks
// as of that checkpoint. Startup replays the WAL from LastCheckpointPos
// rather than from the beginning, and primes the OID/XID allocators from
// NextOID/NextXID before applying any redo.
type MasterRecord struct {
	DBState           DBState
	LastCheckpointPos dbtypes.LSN
	NextOID           dbtypes.OID
	NextXID           dbtypes.XID
	Time              int64
}

// masterRecordSize is the fixed-width encoded record, not counting its
// trailing CRC.
const masterRecordSize = 1 + 8 + 4 + 4 + 8

func encodeMasterRecord(r MasterRecord) []byte {
	buf := make([]byte, masterRecordSize)
	buf[0] = byte(r.DBState)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(r.LastCheckpointPos))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(r.NextOID))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(r.NextXID))
	binary.LittleEndian.PutUint64(buf[17:25], uint64(r.Time))
	return buf
}

func decodeMasterRecord(buf []byte) MasterRecord {
	return MasterRecord{
		DBState:           DBState(buf[0]),
		LastCheckpointPos: dbtypes.LSN(binary.LittleEndian.Uint64(buf[1:9])),
		NextOID:           dbtypes.OID(binary.LittleEndian.Uint32(buf[9:13])),
		NextXID:           dbtypes.XID(binary.LittleEndian.Uint32(buf[13:17])),
		Time:              int64(binary.LittleEndian.Uint64(buf[17:25])),
	}
}

// masterRecordFile reads and writes the master record to a single small
// file, CRC-guarded the same way a WAL chunk is: the checksum covers
// every byte ahead of it and is trusted over a record that fails it.
type masterRecordFile struct {
	path string
}

// read returns (nil, nil) if the file does not yet exist — a brand-new
// database — and a DataCorrupted error if it exists but fails its CRC.
func (f *masterRecordFile) read() (*MasterRecord, error) {
	buf, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dbtypes.Wrap(dbtypes.KindIO, "checkpoint.read", "read master record", err)
	}
	if len(buf) != masterRecordSize+4 {
		return nil, dbtypes.New(dbtypes.KindDataCorrupted, "checkpoint.read", "master record has the wrong size")
	}
	body, crcBuf := buf[:masterRecordSize], buf[masterRecordSize:]
	want := binary.LittleEndian.Uint32(crcBuf)
	if crc32.ChecksumIEEE(body) != want {
		return nil, dbtypes.New(dbtypes.KindDataCorrupted, "checkpoint.read", "master record checksum mismatch")
	}
	rec := decodeMasterRecord(body)
	return &rec, nil
}

func (f *masterRecordFile) write(rec MasterRecord) error {
	body := encodeMasterRecord(rec)
	crc := crc32.ChecksumIEEE(body)
	out := make([]byte, len(body)+4)
	copy(out, body)
	binary.LittleEndian.PutUint32(out[len(body):], crc)

	// Write to a temp file and rename, so a crash mid-write never leaves
	// a half-written master record behind.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return dbtypes.Wrap(dbtypes.KindIO, "checkpoint.write", "write master record temp file", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return dbtypes.Wrap(dbtypes.KindIO, "checkpoint.write", "rename master record into place", err)
	}
	return nil
}
