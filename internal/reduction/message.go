package reduction

import (
	"github.com/cnc-go/cnc/internal/codec"
)

// Wire message kinds for the asynchronous reduction protocol. Count and
// value streams are disjoint so they may overlap freely; the per-key status
// lattice makes each transition happen exactly once.
const (
	kindBcastCount = iota
	kindGatherCount
	kindDone
	kindValue
	kindAllDone
	kindAllValues
)

func encodeBcastCount[K any](tc codec.Codec[K], tag K, ownerPid int, count int64) []byte {
	buf := codec.AppendKind(nil, kindBcastCount)
	buf = tc.Pack(buf, tag)
	buf = codec.AppendUint32(buf, uint32(ownerPid))
	return codec.AppendInt64(buf, count)
}

func decodeBcastCount[K any](tc codec.Codec[K], buf []byte) (tag K, ownerPid int, count int64, err error) {
	tag, rest, err := tc.Unpack(buf)
	if err != nil {
		return tag, 0, 0, err
	}
	pid, rest, err := codec.ReadUint32(rest)
	if err != nil {
		return tag, 0, 0, err
	}
	count, _, err = codec.ReadInt64(rest)
	return tag, int(pid), count, err
}

func encodeGatherCount[K any](tc codec.Codec[K], tag K, count int64) []byte {
	buf := codec.AppendKind(nil, kindGatherCount)
	buf = tc.Pack(buf, tag)
	return codec.AppendInt64(buf, count)
}

func decodeGatherCount[K any](tc codec.Codec[K], buf []byte) (tag K, count int64, err error) {
	tag, rest, err := tc.Unpack(buf)
	if err != nil {
		return tag, 0, err
	}
	count, _, err = codec.ReadInt64(rest)
	return tag, count, err
}

func encodeDone[K any](tc codec.Codec[K], tag K, ownerPid int) []byte {
	buf := codec.AppendKind(nil, kindDone)
	buf = tc.Pack(buf, tag)
	return codec.AppendUint32(buf, uint32(ownerPid))
}

func decodeDone[K any](tc codec.Codec[K], buf []byte) (tag K, ownerPid int, err error) {
	tag, rest, err := tc.Unpack(buf)
	if err != nil {
		return tag, 0, err
	}
	pid, _, err := codec.ReadUint32(rest)
	return tag, int(pid), err
}

func encodeValue[K, V any](tc codec.Codec[K], vc codec.Codec[V], tag K, value V) []byte {
	buf := codec.AppendKind(nil, kindValue)
	buf = tc.Pack(buf, tag)
	return vc.Pack(buf, value)
}

func decodeValue[K, V any](tc codec.Codec[K], vc codec.Codec[V], buf []byte) (tag K, value V, err error) {
	tag, rest, err := tc.Unpack(buf)
	if err != nil {
		return tag, value, err
	}
	value, _, err = vc.Unpack(rest)
	return tag, value, err
}

func encodeAllDone() []byte { return codec.AppendKind(nil, kindAllDone) }

func encodeAllValues[K comparable, V any](tc codec.Codec[K], vc codec.Codec[V], partials map[K]V) []byte {
	buf := codec.AppendKind(nil, kindAllValues)
	resv := codec.ReserveUint32(&buf)
	var n uint32
	for tag, value := range partials {
		buf = tc.Pack(buf, tag)
		buf = vc.Pack(buf, value)
		n++
	}
	resv.Fill(n)
	return buf
}

func decodeAllValues[K comparable, V any](tc codec.Codec[K], vc codec.Codec[V], buf []byte) (map[K]V, error) {
	n, rest, err := codec.ReadUint32(buf)
	if err != nil {
		return nil, err
	}
	partials := make(map[K]V, n)
	for i := uint32(0); i < n; i++ {
		var tag K
		var value V
		tag, rest, err = tc.Unpack(rest)
		if err != nil {
			return nil, err
		}
		value, rest, err = vc.Unpack(rest)
		if err != nil {
			return nil, err
		}
		partials[tag] = value
	}
	return partials, nil
}
