package item

import (
	"github.com/cnc-go/cnc/internal/codec"
)

// Wire message kinds for the item collection's distributed coherence
// protocol. The single-byte discriminant prefixes every message body.
const (
	kindRequest = iota
	kindDeliver
	kindDeliverToOwn
	kindErase
	kindGetCounts
	kindProbe
	kindUnavail
	kindGatherReq
	kindGatherRes
	kindReset
)

func encodeTagPid[T any](kind byte, tc codec.Codec[T], tag T, pid int) []byte {
	buf := codec.AppendKind(nil, kind)
	buf = tc.Pack(buf, tag)
	buf = codec.AppendUint32(buf, uint32(pid))
	return buf
}

func decodeTagPid[T any](tc codec.Codec[T], buf []byte) (tag T, pid int, err error) {
	tag, rest, err := tc.Unpack(buf)
	if err != nil {
		return tag, 0, err
	}
	p, _, err := codec.ReadUint32(rest)
	return tag, int(p), err
}

func encodeRequest[T any](tc codec.Codec[T], tag T, requesterPid int) []byte {
	return encodeTagPid(kindRequest, tc, tag, requesterPid)
}

func decodeRequest[T any](tc codec.Codec[T], buf []byte) (T, int, error) { return decodeTagPid(tc, buf) }

func encodeProbe[T any](tc codec.Codec[T], tag T, requesterPid int) []byte {
	return encodeTagPid(kindProbe, tc, tag, requesterPid)
}

func decodeProbe[T any](tc codec.Codec[T], buf []byte) (T, int, error) { return decodeTagPid(tc, buf) }

func encodeDeliver[T, V any](tc codec.Codec[T], vc codec.Codec[V], ownerPid int, tag T, value V) []byte {
	buf := codec.AppendKind(nil, kindDeliver)
	buf = codec.AppendUint32(buf, uint32(ownerPid))
	buf = tc.Pack(buf, tag)
	buf = vc.Pack(buf, value)
	return buf
}

func decodeDeliver[T, V any](tc codec.Codec[T], vc codec.Codec[V], buf []byte) (ownerPid int, tag T, value V, err error) {
	pid, rest, err := codec.ReadUint32(buf)
	if err != nil {
		return 0, tag, value, err
	}
	tag, rest, err = tc.Unpack(rest)
	if err != nil {
		return 0, tag, value, err
	}
	value, _, err = vc.Unpack(rest)
	return int(pid), tag, value, err
}

func encodeDeliverToOwn[T, V any](tc codec.Codec[T], vc codec.Codec[V], tag T, value V) []byte {
	buf := codec.AppendKind(nil, kindDeliverToOwn)
	buf = tc.Pack(buf, tag)
	buf = vc.Pack(buf, value)
	return buf
}

func decodeDeliverToOwn[T, V any](tc codec.Codec[T], vc codec.Codec[V], buf []byte) (tag T, value V, err error) {
	tag, rest, err := tc.Unpack(buf)
	if err != nil {
		return tag, value, err
	}
	value, _, err = vc.Unpack(rest)
	return tag, value, err
}

func encodeUnavail() []byte { return codec.AppendKind(nil, kindUnavail) }

func encodeGatherReq(senderPid int) []byte {
	buf := codec.AppendKind(nil, kindGatherReq)
	return codec.AppendUint32(buf, uint32(senderPid))
}

func decodeGatherReq(buf []byte) (senderPid int, err error) {
	p, _, err := codec.ReadUint32(buf)
	return int(p), err
}

func encodeGatherRes[T comparable, V any](tc codec.Codec[T], vc codec.Codec[V], ownerPid int, items map[T]V) []byte {
	buf := codec.AppendKind(nil, kindGatherRes)
	buf = codec.AppendUint32(buf, uint32(ownerPid))
	resv := codec.ReserveUint32(&buf)
	var n uint32
	for tag, value := range items {
		buf = tc.Pack(buf, tag)
		buf = vc.Pack(buf, value)
		n++
	}
	resv.Fill(n)
	return buf
}

func decodeGatherRes[T comparable, V any](tc codec.Codec[T], vc codec.Codec[V], buf []byte) (ownerPid int, items map[T]V, err error) {
	pid, rest, err := codec.ReadUint32(buf)
	if err != nil {
		return 0, nil, err
	}
	n, rest, err := codec.ReadUint32(rest)
	if err != nil {
		return 0, nil, err
	}
	items = make(map[T]V, n)
	for i := uint32(0); i < n; i++ {
		var tag T
		var value V
		tag, rest, err = tc.Unpack(rest)
		if err != nil {
			return 0, nil, err
		}
		value, rest, err = vc.Unpack(rest)
		if err != nil {
			return 0, nil, err
		}
		items[tag] = value
	}
	return int(pid), items, nil
}

func encodeGetCounts[T any](tc codec.Codec[T], senderPid int, tags []T, safeFlag bool) []byte {
	buf := codec.AppendKind(nil, kindGetCounts)
	buf = codec.AppendUint32(buf, uint32(senderPid))
	buf = codec.AppendUint32(buf, uint32(len(tags)))
	for _, t := range tags {
		buf = tc.Pack(buf, t)
	}
	buf = codec.AppendBool(buf, safeFlag)
	return buf
}

func decodeGetCounts[T any](tc codec.Codec[T], buf []byte) (senderPid int, tags []T, safeFlag bool, err error) {
	pid, rest, err := codec.ReadUint32(buf)
	if err != nil {
		return 0, nil, false, err
	}
	n, rest, err := codec.ReadUint32(rest)
	if err != nil {
		return 0, nil, false, err
	}
	tags = make([]T, n)
	for i := range tags {
		tags[i], rest, err = tc.Unpack(rest)
		if err != nil {
			return 0, nil, false, err
		}
	}
	safeFlag, _, err = codec.ReadBool(rest)
	return int(pid), tags, safeFlag, err
}

func encodeErase[T any](tc codec.Codec[T], tags []T, safeFlag bool) []byte {
	buf := codec.AppendKind(nil, kindErase)
	buf = codec.AppendUint32(buf, uint32(len(tags)))
	for _, t := range tags {
		buf = tc.Pack(buf, t)
	}
	buf = codec.AppendBool(buf, safeFlag)
	return buf
}

func decodeErase[T any](tc codec.Codec[T], buf []byte) (tags []T, safeFlag bool, err error) {
	n, rest, err := codec.ReadUint32(buf)
	if err != nil {
		return nil, false, err
	}
	tags = make([]T, n)
	for i := range tags {
		tags[i], rest, err = tc.Unpack(rest)
		if err != nil {
			return nil, false, err
		}
	}
	safeFlag, _, err = codec.ReadBool(rest)
	return tags, safeFlag, err
}

func encodeReset() []byte { return codec.AppendKind(nil, kindReset) }
