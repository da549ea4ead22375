// Package codec implements the ordered-key encoding Portal's tables rely
// on: byte-wise lexicographic order of an encoded key must equal the
// semantic order of the value it came from, for signed integers,
// strings, and composite tuples of either (§4.A).
package codec
