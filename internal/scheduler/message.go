package scheduler

import (
	"github.com/cnc-go/cnc/internal/codec"
)

// Wire message kinds for the scheduler's global quiescence barrier and for
// shipping compute_on-routed steps between processes.
const (
	kindPing = iota
	kindPong
	kindDone
	kindStep
)

func encodePing(rootPid int) []byte {
	buf := codec.AppendKind(nil, kindPing)
	return codec.AppendUint32(buf, uint32(rootPid))
}

func decodePing(buf []byte) (rootPid int, err error) {
	p, _, err := codec.ReadUint32(buf)
	return int(p), err
}

// encodePong carries the sender's cumulative sent+received transport count
// so the root can prove that no traffic moved anywhere between two rounds,
// including worker-to-worker messages it never sees itself.
func encodePong(transportTotal int64) []byte {
	buf := codec.AppendKind(nil, kindPong)
	return codec.AppendInt64(buf, transportTotal)
}

func decodePong(buf []byte) (int64, error) {
	v, _, err := codec.ReadInt64(buf)
	return v, err
}

func encodeDone() []byte { return codec.AppendKind(nil, kindDone) }

func encodeStep(collectionID int, tagBuf []byte) []byte {
	buf := codec.AppendKind(nil, kindStep)
	buf = codec.AppendUint32(buf, uint32(collectionID))
	return codec.AppendBytes(buf, tagBuf)
}

func decodeStep(buf []byte) (collectionID int, tagBuf []byte, err error) {
	id, rest, err := codec.ReadUint32(buf)
	if err != nil {
		return 0, nil, err
	}
	tagBuf, _, err = codec.ReadBytes(rest)
	return int(id), tagBuf, err
}
