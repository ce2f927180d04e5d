// Package tag supplies the default, ready-made serializers for the tag
// kinds the bundled sample graphs use. Tag hashing and equality need no
// layer of their own: any Go type that satisfies comparable already has
// both as a map key. What the wire protocol additionally needs is a way to
// pack/unpack a tag value into a message body; that is supplied here as
// codec.Codec[T] implementations.
package tag

import (
	"github.com/cnc-go/cnc/internal/codec"
)

// Comparable is the minimal constraint every collection's tag type must
// satisfy: usable as a Go map key, and cheap to copy.
type Comparable interface {
	comparable
}

// IntCodec packs a Go int as a msgpack int64, the tag kind used by every
// bundled sample graph (integer ranges, reduction keys).
type IntCodec struct{}

func (IntCodec) PackedSize(v int) int { return 9 }
func (IntCodec) Pack(buf []byte, v int) []byte {
	return codec.AppendInt64(buf, int64(v))
}
func (IntCodec) Unpack(buf []byte) (int, []byte, error) {
	v, rest, err := codec.ReadInt64(buf)
	return int(v), rest, err
}

// StringCodec packs a Go string tag.
type StringCodec struct{}

func (StringCodec) PackedSize(v string) int { return len(v) + 5 }
func (StringCodec) Pack(buf []byte, v string) []byte {
	return codec.AppendString(buf, v)
}
func (StringCodec) Unpack(buf []byte) (string, []byte, error) {
	return codec.ReadString(buf)
}

// Pair is a two-component tag, the common shape for matrix/stencil-style
// sample graphs keyed by (row, col).
type Pair struct {
	A, B int
}

// PairCodec packs a Pair as two consecutive int64s.
type PairCodec struct{}

func (PairCodec) PackedSize(v Pair) int { return 18 }
func (PairCodec) Pack(buf []byte, v Pair) []byte {
	buf = codec.AppendInt64(buf, int64(v.A))
	buf = codec.AppendInt64(buf, int64(v.B))
	return buf
}
func (PairCodec) Unpack(buf []byte) (Pair, []byte, error) {
	a, rest, err := codec.ReadInt64(buf)
	if err != nil {
		return Pair{}, buf, err
	}
	b, rest, err := codec.ReadInt64(rest)
	if err != nil {
		return Pair{}, buf, err
	}
	return Pair{A: int(a), B: int(b)}, rest, nil
}
