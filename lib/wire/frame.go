// Chatwire
// Copyright (C) 2026 Chatwire Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package wire

import (
	"encoding/binary"
	"errors"

	"github.com/gravitational/trace"

	"github.com/chatwire/chatwire/lib/defaults"
	"github.com/chatwire/chatwire/lib/types"
)

// framingError marks errors raised by the byte-level frame codec, as
// opposed to validation failures of a well-framed message.
type framingError struct {
	err error
}

func (e framingError) Error() string { return e.err.Error() }

func (e framingError) Unwrap() error { return e.err }

// IsFramingViolation reports whether err means the byte stream itself
// was malformed. Stream transports close the connection on these;
// every other parse failure is a droppable client error that leaves
// the session open.
func IsFramingViolation(err error) bool {
	var fe framingError
	return errors.As(err, &fe)
}

// FrameVersion is the binary header layout version this codec speaks.
const FrameVersion = 1

// Frame layout, big-endian:
//
//	u8  frame version
//	u32 seq
//	u32 cmd_id
//	u64 timestamp (ms)
//	6 length-prefixed strings (u16 length each):
//	    version, from_uid, to_uid, token, device_id, platform
//	u32 body length, body bytes
//
// The body is opaque to the gateway; handlers decode it by cmd_id.

// EncodeFrame serializes a header and an opaque body into one frame.
func EncodeFrame(h *Header, body []byte) ([]byte, error) {
	if len(body) > defaults.MaxFrameSize {
		return nil, trace.LimitExceeded("frame body of %v bytes exceeds the %v byte limit",
			len(body), defaults.MaxFrameSize)
	}
	strs := []string{h.Version, h.FromUID, h.ToUID, h.Token, h.DeviceID, string(h.Platform)}
	size := 1 + 4 + 4 + 8
	for _, s := range strs {
		if len(s) > 0xffff {
			return nil, trace.BadParameter("header string field of %v bytes exceeds the u16 length prefix", len(s))
		}
		size += 2 + len(s)
	}
	size += 4 + len(body)
	if size > defaults.MaxFrameSize {
		return nil, trace.LimitExceeded("frame of %v bytes exceeds the %v byte limit", size, defaults.MaxFrameSize)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, FrameVersion)
	buf = binary.BigEndian.AppendUint32(buf, h.Seq)
	buf = binary.BigEndian.AppendUint32(buf, h.CmdID)
	buf = binary.BigEndian.AppendUint64(buf, h.Timestamp)
	for _, s := range strs {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
		buf = append(buf, s...)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	return buf, nil
}

// DecodeFrame parses one de-framed message into a header and its opaque
// body. The body slice aliases the input.
func DecodeFrame(frame []byte) (*Header, []byte, error) {
	if len(frame) > defaults.MaxFrameSize {
		return nil, nil, framingError{trace.LimitExceeded("frame of %v bytes exceeds the %v byte limit",
			len(frame), defaults.MaxFrameSize)}
	}
	r := frameReader{buf: frame}
	version := r.u8()
	if r.err == nil && version != FrameVersion {
		return nil, nil, framingError{trace.BadParameter("unsupported frame version %v", version)}
	}
	h := &Header{
		Seq:       r.u32(),
		CmdID:     r.u32(),
		Timestamp: r.u64(),
	}
	h.Version = r.str()
	h.FromUID = r.str()
	h.ToUID = r.str()
	h.Token = r.str()
	h.DeviceID = r.str()
	h.Platform = types.ParsePlatform(r.str())
	body := r.bytes()
	if r.err != nil {
		return nil, nil, framingError{trace.Wrap(r.err, "malformed frame")}
	}
	if len(r.buf) != r.off {
		return nil, nil, framingError{trace.BadParameter("frame carries %v trailing bytes", len(r.buf)-r.off)}
	}
	return h, body, nil
}

// frameReader cursors over a frame, latching the first decode error.
type frameReader struct {
	buf []byte
	off int
	err error
}

func (r *frameReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = trace.BadParameter("frame truncated at offset %v", r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *frameReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *frameReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *frameReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *frameReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *frameReader) str() string {
	n := r.u16()
	return string(r.take(int(n)))
}

func (r *frameReader) bytes() []byte {
	n := r.u32()
	if r.err == nil && int64(n) > int64(defaults.MaxFrameSize) {
		r.err = trace.LimitExceeded("frame body of %v bytes exceeds the %v byte limit", n, defaults.MaxFrameSize)
		return nil
	}
	return r.take(int(n))
}
