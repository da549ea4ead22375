package store

import (
	"bytes"
	"fmt"
	"strconv"
)

// Reserved per-table keys (§6). Every entity key starts with a byte
// ≥ 0x02, so these two single-purpose keys never collide with one.
var (
	reservedClassMetaKey   = []byte{0x01, 0x01}
	reservedLastVersionKey = []byte{0x01, 0x02}
	entityRangeStart       = []byte{0x02}
)

// encodeRow formats an entity row as "<version>,<json>".
func encodeRow(version int64, json []byte) []byte {
	buf := make([]byte, 0, 20+len(json))
	buf = strconv.AppendInt(buf, version, 10)
	buf = append(buf, ',')
	buf = append(buf, json...)
	return buf
}

// encodeInvalidationRow formats a version-only tombstone/invalidation
// row: "<version>" with no trailing comma or payload.
func encodeInvalidationRow(version int64) []byte {
	return []byte(strconv.FormatInt(version, 10))
}

// decodeRow parses a row produced by encodeRow or encodeInvalidationRow.
// hasJSON is false for an invalidation row.
func decodeRow(raw []byte) (version int64, json []byte, hasJSON bool, err error) {
	idx := bytes.IndexByte(raw, ',')
	if idx < 0 {
		v, perr := strconv.ParseInt(string(raw), 10, 64)
		if perr != nil {
			return 0, nil, false, fmt.Errorf("store: malformed row %q: %w", raw, perr)
		}
		return v, nil, false, nil
	}
	v, perr := strconv.ParseInt(string(raw[:idx]), 10, 64)
	if perr != nil {
		return 0, nil, false, fmt.Errorf("store: malformed row version %q: %w", raw[:idx], perr)
	}
	return v, raw[idx+1:], true, nil
}
