package store

import (
	"fmt"
	"strconv"
)

// ValidateID normalizes and validates an entity id per §3: a positive
// integer, or a non-numeric string (a string that parses as a positive
// number is rejected, since it would be ambiguous with the integer
// form once both are ordered-encoded).
func ValidateID(id any) (any, error) {
	switch v := id.(type) {
	case int:
		return ValidateID(int64(v))
	case int64:
		if v <= 0 {
			return nil, fmt.Errorf("%w: non-positive integer id %d", ErrBadID, v)
		}
		return v, nil
	case string:
		if v == "" {
			return nil, fmt.Errorf("%w: empty string id", ErrBadID)
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return nil, fmt.Errorf("%w: string id %q parses as a positive number", ErrBadID, v)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: unsupported id type %T", ErrBadID, id)
	}
}

// parseEventID recovers the id form carried by a bus.Event's string ID
// field: entities whose canonical id is an integer are stamped with
// their decimal form, which is parsed back here.
func parseEventID(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return n
	}
	return s
}
