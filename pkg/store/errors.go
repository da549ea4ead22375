package store

import "errors"

var (
	// ErrBadID is returned for malformed identifiers: zero/negative
	// integers, empty strings, strings that parse as positive numbers,
	// or any other unsupported id type.
	ErrBadID = errors.New("store: bad id")

	// ErrAlreadyRegistered is returned by Register when a class name is
	// already claimed in this process's registry.
	ErrAlreadyRegistered = errors.New("store: class already registered")

	// ErrNotModified is returned by ValueOf when the context's
	// ifModifiedSince hint matches the entity's current version.
	ErrNotModified = errors.New("store: not modified")
)
