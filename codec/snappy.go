package codec

import (
	"fmt"

	"github.com/golang/snappy"
)

// Snappy compresses the output of Inner with snappy block encoding. Large
// values passivated to remote stores shrink on the wire and at rest.
type Snappy[V any] struct {
	Inner Codec[V]
}

var _ Codec[struct{}] = Snappy[struct{}]{}

func (c Snappy[V]) Encode(v V) ([]byte, error) {
	b, err := c.Inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

func (c Snappy[V]) Decode(b []byte) (V, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		var zero V
		return zero, fmt.Errorf("codec: snappy: %w", err)
	}
	return c.Inner.Decode(raw)
}
