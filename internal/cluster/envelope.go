// Package cluster implements the local message bus between the master
// process and its workers: length-prefixed envelopes over pre-spawn socket
// pairs. The bus never crosses hosts, so framing uses host byte order and
// payload bytes are transparent.
package cluster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Envelope is one bus datagram. Filter zero is user traffic; non-zero
// filters carry system/RPC messages and are never silently dropped.
type Envelope struct {
	Filter  int32
	Channel string
	Data    []byte
}

// Wire layout: u32 payload_len, u32 filter, u16 channel_len, u32 message_len,
// channel bytes, message bytes. payload_len covers the two byte runs and is
// the frame's sanity check.
const headerSize = 4 + 4 + 2 + 4

// Caps keep a corrupted or hostile peer from ballooning allocations.
const (
	maxChannelLen = 1 << 16
	maxMessageLen = 1 << 26 // 64 MiB
)

// ErrFrame reports a frame that failed sanity checks; the connection is
// unusable afterwards.
var ErrFrame = errors.New("cluster: malformed frame")

// appendEnvelope serializes e onto buf.
func appendEnvelope(buf []byte, e Envelope) []byte {
	payload := len(e.Channel) + len(e.Data)
	buf = binary.NativeEndian.AppendUint32(buf, uint32(payload))
	buf = binary.NativeEndian.AppendUint32(buf, uint32(e.Filter))
	buf = binary.NativeEndian.AppendUint16(buf, uint16(len(e.Channel)))
	buf = binary.NativeEndian.AppendUint32(buf, uint32(len(e.Data)))
	buf = append(buf, e.Channel...)
	buf = append(buf, e.Data...)
	return buf
}

// readEnvelope decodes one frame from r, blocking until complete.
func readEnvelope(r io.Reader) (Envelope, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, err
	}
	payload := binary.NativeEndian.Uint32(hdr[0:4])
	filter := int32(binary.NativeEndian.Uint32(hdr[4:8]))
	chLen := int(binary.NativeEndian.Uint16(hdr[8:10]))
	msgLen := int(binary.NativeEndian.Uint32(hdr[10:14]))
	if chLen > maxChannelLen || msgLen > maxMessageLen || int(payload) != chLen+msgLen {
		return Envelope{}, fmt.Errorf("%w: payload=%d channel=%d message=%d",
			ErrFrame, payload, chLen, msgLen)
	}
	body := make([]byte, chLen+msgLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Filter:  filter,
		Channel: string(body[:chLen]),
		Data:    body[chLen:],
	}, nil
}
