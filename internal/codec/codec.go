// Package codec implements the typed byte-stream pack/unpack/size/cleanup
// abstraction the coordination core requires of user payloads. Rather than
// implement a msgpack-compatible wire format by hand, the low-level
// append/read primitives of github.com/tinylib/msgp/msgp back every field
// so the byte layout is a real, interoperable msgpack stream; only the CnC
// framing (message kind, reservation tokens for deferred length fields) is
// bespoke.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// Mode mirrors the serializer's four operating modes. A Codec
// implementation is not required to branch on it explicitly — Pack/Unpack
// are separate methods — but wire-framing code that needs to know whether
// it is sizing, packing or cleaning up a buffer uses this type.
type Mode int

const (
	ModePackedSize Mode = iota
	ModePack
	ModeUnpack
	ModeCleanup
)

// Codec packs and unpacks one payload type to and from a msgpack-backed
// byte stream. Implementations are supplied by user code (tag types, item
// values); the core only ever calls through this interface.
type Codec[T any] interface {
	PackedSize(v T) int
	Pack(buf []byte, v T) []byte
	Unpack(buf []byte) (T, []byte, error)
}

// Reservation is a placeholder slice reserved inside a growing buffer for a
// length field whose value is only known after the body has been packed.
// Mirrors the serializer's "reserve now, patch later" pattern used when
// framing GET_COUNTS/ERASE/GATHER_RES bodies ahead of knowing their count.
type Reservation struct {
	buf    *[]byte
	offset int
}

// ReserveUint32 appends a zero uint32 placeholder and returns a token that
// can later be patched with the real value once it is known. The
// placeholder uses msgpack's fixed-width uint32 form (0xce plus four
// big-endian bytes) so every later value fits in the reserved space.
func ReserveUint32(buf *[]byte) Reservation {
	offset := len(*buf)
	*buf = append(*buf, 0xce, 0, 0, 0, 0)
	return Reservation{buf: buf, offset: offset}
}

// Fill overwrites the reserved placeholder with n, in place.
func (r Reservation) Fill(n uint32) {
	binary.BigEndian.PutUint32((*r.buf)[r.offset+1:r.offset+5], n)
}

// AppendKind appends the single-byte message-kind discriminant that
// prefixes every wire message.
func AppendKind(buf []byte, kind byte) []byte {
	return msgp.AppendByte(buf, kind)
}

// ReadKind reads the message-kind discriminant and returns the remainder.
func ReadKind(buf []byte) (byte, []byte, error) {
	return msgp.ReadByteBytes(buf)
}

// AppendUint32 appends a little-endian-equivalent (msgpack-encoded) uint32.
func AppendUint32(buf []byte, v uint32) []byte { return msgp.AppendUint32(buf, v) }

// ReadUint32 reads a uint32 previously written with AppendUint32.
func ReadUint32(buf []byte) (uint32, []byte, error) { return msgp.ReadUint32Bytes(buf) }

// AppendInt64 appends a signed 64-bit integer, used for count values that
// may be negative (e.g. the reduction engine's late-flush sentinel -1).
func AppendInt64(buf []byte, v int64) []byte { return msgp.AppendInt64(buf, v) }

// ReadInt64 reads a signed 64-bit integer.
func ReadInt64(buf []byte) (int64, []byte, error) { return msgp.ReadInt64Bytes(buf) }

// AppendBool appends a boolean flag, used for the safe_flag on GET_COUNTS
// and ERASE bodies.
func AppendBool(buf []byte, v bool) []byte { return msgp.AppendBool(buf, v) }

// ReadBool reads a boolean flag.
func ReadBool(buf []byte) (bool, []byte, error) { return msgp.ReadBoolBytes(buf) }

// AppendBytes appends an opaque, length-prefixed byte string — the
// catch-all framing for an already-packed tag or value payload.
func AppendBytes(buf []byte, v []byte) []byte { return msgp.AppendBytes(buf, v) }

// ReadBytes reads a length-prefixed byte string.
func ReadBytes(buf []byte) ([]byte, []byte, error) {
	return msgp.ReadBytesBytes(buf, nil)
}

// AppendString appends a length-prefixed UTF-8 string.
func AppendString(buf []byte, v string) []byte { return msgp.AppendString(buf, v) }

// ReadString reads a length-prefixed UTF-8 string.
func ReadString(buf []byte) (string, []byte, error) { return msgp.ReadStringBytes(buf) }

// Bytes is the identity Codec for payloads already reduced to raw bytes —
// useful for tag/value types that implement their own msgp.Marshaler and
// want to hand the core pre-encoded bytes.
type Bytes struct{}

func (Bytes) PackedSize(v []byte) int { return msgp.BytesPrefixSize + len(v) }
func (Bytes) Pack(buf []byte, v []byte) []byte {
	return msgp.AppendBytes(buf, v)
}
func (Bytes) Unpack(buf []byte) ([]byte, []byte, error) {
	return msgp.ReadBytesBytes(buf, nil)
}

// Cleanup releases any resources associated with an unpacked value. The
// default codecs are pure value types with nothing to release; Cleanup
// exists so payload codecs that unpack into pooled or externally-owned
// memory have a symmetric teardown hook, matching the serializer's
// MODE_CLEANUP pass over every allocation made during MODE_UNPACK.
type Cleaner interface {
	Cleanup()
}

// CleanupIfNeeded calls Cleanup on v if it implements Cleaner; a no-op
// otherwise. The item collection calls this on every value it discards
// after an unpack (duplicate put, erase of a remote replica).
func CleanupIfNeeded(v interface{}) {
	if c, ok := v.(Cleaner); ok {
		c.Cleanup()
	}
}

// ErrUnexpectedKind is returned by wire decoders on an unrecognized
// message-kind byte; the caller turns it into a protocol abort.
var ErrUnexpectedKind = fmt.Errorf("codec: unexpected message kind")
