package wal

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/jobala/rowstore/util"
	"github.com/pkg/errors"
)

type RecordType uint8

const (
	REDO_NEW_ROW_HEAD RecordType = iota + 1
	REDO_NEW_ROW_TAIL
	REDO_INSERT_ROW_HEAD
	REDO_INSERT_ROW_TAIL
	REDO_PURGE_ROW_HEAD
	REDO_PURGE_ROW_TAIL
	REDO_FREE_HEAD_OR_TAIL
	REDO_INSERT_ROW_BLOBS
	REDO_FREE_BLOCKS
	REDO_DELETE_ALL
	UNDO_ROW_INSERT
	UNDO_ROW_DELETE
	UNDO_ROW_UPDATE
	UNDO_BULK_INSERT
	CLR_END
	COMMIT
	ABORT
	CHECKPOINT
	FILE_ID
)

var recordTypeNames = map[RecordType]string{
	REDO_NEW_ROW_HEAD:      "REDO_NEW_ROW_HEAD",
	REDO_NEW_ROW_TAIL:      "REDO_NEW_ROW_TAIL",
	REDO_INSERT_ROW_HEAD:   "REDO_INSERT_ROW_HEAD",
	REDO_INSERT_ROW_TAIL:   "REDO_INSERT_ROW_TAIL",
	REDO_PURGE_ROW_HEAD:    "REDO_PURGE_ROW_HEAD",
	REDO_PURGE_ROW_TAIL:    "REDO_PURGE_ROW_TAIL",
	REDO_FREE_HEAD_OR_TAIL: "REDO_FREE_HEAD_OR_TAIL",
	REDO_INSERT_ROW_BLOBS:  "REDO_INSERT_ROW_BLOBS",
	REDO_FREE_BLOCKS:       "REDO_FREE_BLOCKS",
	REDO_DELETE_ALL:        "REDO_DELETE_ALL",
	UNDO_ROW_INSERT:        "UNDO_ROW_INSERT",
	UNDO_ROW_DELETE:        "UNDO_ROW_DELETE",
	UNDO_ROW_UPDATE:        "UNDO_ROW_UPDATE",
	UNDO_BULK_INSERT:       "UNDO_BULK_INSERT",
	CLR_END:                "CLR_END",
	COMMIT:                 "COMMIT",
	ABORT:                  "ABORT",
	CHECKPOINT:             "CHECKPOINT",
	FILE_ID:                "FILE_ID",
}

func (t RecordType) String() string {
	if name, ok := recordTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("RecordType(%d)", uint8(t))
}

func (t RecordType) IsRedo() bool {
	return t >= REDO_NEW_ROW_HEAD && t <= REDO_DELETE_ALL
}

func (t RecordType) IsUndo() bool {
	return t >= UNDO_ROW_INSERT && t <= UNDO_BULK_INSERT
}

/*

Each record:
──────────────────────────────────────────────────────────────────────────────────────────────────
| LSN (8) | LEN (4) | SUM (4) | TYPE (1) | FLAGS (1) | TABLE (2) | TRID (8) | PREV UNDO LSN (8) | BODY (LEN) |
──────────────────────────────────────────────────────────────────────────────────────────────────

SUM is the low 32 bits of xxhash64 over the header fields after SUM and the stored body.
LEN is the stored body length, which is the snappy encoding when FLAGS has FLAG_SNAPPY.

*/

const (
	RECORD_HEADER_SIZE = 36
	FLAG_SNAPPY        = 1
)

// Record is one log entry. Body is the uncompressed payload, usually a msgpack encoded
// struct owned by the writer of the record.
type Record struct {
	LSN         uint64
	Type        RecordType
	Table       uint16
	Trid        uint64
	PrevUndoLSN uint64
	Body        []byte
}

func encodeRecord(rec *Record, compressThreshold int) []byte {
	body := rec.Body
	flags := byte(0)
	if compressThreshold > 0 && len(body) > compressThreshold {
		compressed := snappy.Encode(nil, body)
		if len(compressed) < len(body) {
			body = compressed
			flags |= FLAG_SNAPPY
		}
	}

	buf := make([]byte, RECORD_HEADER_SIZE+len(body))
	util.StoreN(buf[0:8], rec.LSN, 8)
	util.Int4Store(buf[8:12], uint32(len(body)))
	buf[16] = byte(rec.Type)
	buf[17] = flags
	util.Int2Store(buf[18:20], rec.Table)
	util.StoreN(buf[20:28], rec.Trid, 8)
	util.StoreN(buf[28:36], rec.PrevUndoLSN, 8)
	copy(buf[RECORD_HEADER_SIZE:], body)

	util.Int4Store(buf[12:16], recordSum(buf))
	return buf
}

func recordSum(buf []byte) uint32 {
	digest := xxhash.New()
	_, _ = digest.Write(buf[0:12])
	_, _ = digest.Write(buf[16:])
	return uint32(digest.Sum64())
}

func bodyLength(header []byte) int {
	return int(util.Uint4Korr(header[8:12]))
}

// decodeRecord parses a complete record. ErrWrongInRecord is returned for any damage.
func decodeRecord(buf []byte) (*Record, error) {
	if len(buf) < RECORD_HEADER_SIZE || len(buf) != RECORD_HEADER_SIZE+bodyLength(buf) {
		return nil, errors.Wrap(util.ErrWrongInRecord, "short log record")
	}

	if recordSum(buf) != util.Uint4Korr(buf[12:16]) {
		return nil, errors.Wrapf(util.ErrWrongInRecord, "checksum mismatch in log record %d", util.KorrN(buf[0:8], 8))
	}

	rec := &Record{
		LSN:         util.KorrN(buf[0:8], 8),
		Type:        RecordType(buf[16]),
		Table:       util.Uint2Korr(buf[18:20]),
		Trid:        util.KorrN(buf[20:28], 8),
		PrevUndoLSN: util.KorrN(buf[28:36], 8),
	}

	body := buf[RECORD_HEADER_SIZE:]
	if buf[17]&FLAG_SNAPPY != 0 {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, errors.Wrapf(util.ErrWrongInRecord, "log record %d: %v", rec.LSN, err)
		}
		body = decoded
	} else {
		body = append([]byte(nil), body...)
	}
	rec.Body = body

	return rec, nil
}
