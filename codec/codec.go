// Package codec turns cache values into the bytes the stores hold.
package codec

import "errors"

// ErrTooLarge is returned by Limit when a stored payload exceeds its bound.
var ErrTooLarge = errors.New("codec: payload too large")

// Codec encodes values of V for storage and decodes them back.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
