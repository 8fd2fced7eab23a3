package hub

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxDataLen is the protocol ceiling on a frame's body size (§4.1, §6):
// data-len is a uint16, so no frame may declare more than 65535 bytes of
// component data.
const MaxDataLen = 65535

// header is the six-byte frame prefix, network byte order throughout:
//
//	[ data-len : uint16 ][ request-id : uint16 ][ count : uint16 ]
//
// Read and written with io.ReadFull/binary.Write the way smux's session
// reads its own fixed-size frame header before pulling in a variable-length
// body (see SagerNet-smux/session.go's hdr[:] / io.ReadFull pattern).
type header struct {
	DataLen   uint16
	RequestID uint16
	Count     uint16
}

const headerSize = 6

// Frame is a decoded message: a request-id and an ordered list of
// NUL-delimited components. Component[0] is the namespace tag, component[1]
// the verb (§3).
type Frame struct {
	RequestID uint16
	Comp      []string
}

// NewFrame builds a Frame from a request id and components, primarily for
// handlers that need to construct an outgoing message.
func NewFrame(requestID uint16, comp ...string) *Frame {
	return &Frame{RequestID: requestID, Comp: comp}
}

// Pack serializes f into the wire format. Packing is deterministic: the
// header, then each component's bytes followed by a single NUL.
func (f *Frame) Pack() ([]byte, error) {
	var body bytes.Buffer
	for _, c := range f.Comp {
		if bytes.IndexByte([]byte(c), 0) != -1 {
			return nil, fmt.Errorf("component contains embedded NUL")
		}
		body.WriteString(c)
		body.WriteByte(0)
	}

	if body.Len() > MaxDataLen {
		return nil, fmt.Errorf("frame data length %d exceeds protocol ceiling %d", body.Len(), MaxDataLen)
	}

	h := header{
		DataLen:   uint16(body.Len()),
		RequestID: f.RequestID,
		Count:     uint16(len(f.Comp)),
	}

	out := make([]byte, 0, headerSize+body.Len())
	buf := bytes.NewBuffer(out)
	if err := binary.Write(buf, binary.BigEndian, h); err != nil {
		return nil, err
	}
	buf.Write(body.Bytes())

	return buf.Bytes(), nil
}

// ReadFrame reads and decodes exactly one frame from r. A malformed frame
// (NUL count mismatched against the declared component count) is reported
// as an error; the caller is expected to kick the session with
// ReasonIllegalMessage in that case (§4.1).
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdrBuf [headerSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return nil, err
	}

	h := header{
		DataLen:   binary.BigEndian.Uint16(hdrBuf[0:2]),
		RequestID: binary.BigEndian.Uint16(hdrBuf[2:4]),
		Count:     binary.BigEndian.Uint16(hdrBuf[4:6]),
	}

	body := make([]byte, h.DataLen)
	if h.DataLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}

	comp, err := splitComponents(body, int(h.Count))
	if err != nil {
		return nil, err
	}

	return &Frame{RequestID: h.RequestID, Comp: comp}, nil
}

// splitComponents splits body on NUL terminators and requires exactly
// wantCount components, each one NUL-terminated -- this is the "count of
// NULs found differs from declared count" rejection in §4.1.
func splitComponents(body []byte, wantCount int) ([]string, error) {
	if wantCount == 0 {
		if len(body) != 0 {
			return nil, fmt.Errorf("malformed frame: zero components declared but %d bytes of body", len(body))
		}
		return nil, nil
	}

	comp := make([]string, 0, wantCount)
	start := 0
	for i := 0; i < len(body); i++ {
		if body[i] == 0 {
			comp = append(comp, string(body[start:i]))
			start = i + 1
		}
	}

	if len(comp) != wantCount {
		return nil, fmt.Errorf("malformed frame: declared %d components, found %d NUL-terminated", wantCount, len(comp))
	}
	if start != len(body) {
		return nil, fmt.Errorf("malformed frame: trailing bytes after final NUL terminator")
	}

	return comp, nil
}
