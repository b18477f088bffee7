package memberlist

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"io/ioutil"

	"github.com/hashicorp/go-msgpack/codec"
)

// messageType is the first byte of every message and is part of the
// wire format: the numeric values below must not change.
type messageType uint8

const (
	pingMsg messageType = iota
	indirectPingMsg
	ackRespMsg
	suspectMsg
	aliveMsg
	deadMsg
	pushPullMsg
	compoundMsg
	userMsg
	compressMsg
	encryptMsg
	nackRespMsg
	hasCrcMsg
	errMsg
)

// hasLabelMsg is out-of-band from the rest of the type space (spec
// freezes it at 244 so it can never collide with a future low message
// type) and is always the outermost wrapper when a label is configured.
const hasLabelMsg messageType = 244

const (
	compressGzip uint8 = 0

	// maxCompoundMsgs is the largest number of sub-messages a single
	// compound packet may carry; the length is written as a single
	// byte on the wire.
	maxCompoundMsgs = 255

	labelOverhead = 2 // type byte + length byte, label bytes on top
)

// udpPacketLimit is the conservative default per-packet budget;
// anything that wouldn't fit goes over TCP instead (push/pull, user
// messages larger than this).
const udpPacketLimit = 1400

type ping struct {
	SeqNo uint32
	Node  string

	// SourceAddr/SourcePort let an indirect-ping relay send its ack
	// straight back to the original prober instead of bouncing through
	// the relay again.
	SourceAddr []byte `codec:",omitempty"`
	SourcePort uint16 `codec:",omitempty"`
	SourceNode string `codec:",omitempty"`
}

type indirectPingReq struct {
	SeqNo  uint32
	Target []byte
	Port   uint16
	Node   string

	SourceAddr []byte `codec:",omitempty"`
	SourcePort uint16 `codec:",omitempty"`
	SourceNode string `codec:",omitempty"`
}

type ackResp struct {
	SeqNo   uint32
	Payload []byte `codec:",omitempty"`
}

type nackResp struct {
	SeqNo uint32
}

type suspect struct {
	Incarnation uint32
	Node        string
	From        string
}

type alive struct {
	Incarnation uint32
	Node        string
	Addr        []byte
	Port        uint16
	Meta        []byte
	Vsn         []uint8 // [PMin,PMax,PCur,DMin,DMax,DCur]
}

type dead struct {
	Incarnation uint32
	Node        string
	From        string
}

// pushPullHeader is sent first in a push/pull exchange, followed by
// `Nodes` pushNodeState records and then a LenUserState-byte blob that
// the Serf layer interprets as opaque payload.
type pushPullHeader struct {
	Nodes        int
	UserStateLen int
	Join         bool
}

type pushNodeState struct {
	Name        string
	Addr        []byte
	Port        uint16
	Meta        []byte
	Incarnation uint32
	State       NodeStateType
	Vsn         []uint8
}

var msgpackHandle = &codec.MsgpackHandle{}

func encodeMessage(t messageType, in interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(t))
	enc := codec.NewEncoder(buf, msgpackHandle)
	if err := enc.Encode(in); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMessage(buf []byte, out interface{}) error {
	return codec.NewDecoderBytes(buf, msgpackHandle).Decode(out)
}

// encodeCompound packs up to maxCompoundMsgs sub-messages into a single
// [Compound][count][len×count][msg×count] packet. It is an encode-time
// error to pass more than maxCompoundMsgs messages.
func encodeCompound(msgs [][]byte) ([]byte, error) {
	if len(msgs) > maxCompoundMsgs {
		return nil, fmt.Errorf("memberlist: cannot compound %d messages, limit is %d", len(msgs), maxCompoundMsgs)
	}

	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(compoundMsg))
	buf.WriteByte(uint8(len(msgs)))

	for _, m := range msgs {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(m)))
		buf.Write(lenBuf[:])
	}
	for _, m := range msgs {
		buf.Write(m)
	}
	return buf.Bytes(), nil
}

// decodeCompound splits a compound payload (with the leading type byte
// already stripped) back into its sub-messages. truncated counts how
// many trailing sub-message lengths were declared but whose bytes were
// not actually present in buf, mirroring a peer that raced a partial
// compound write.
func decodeCompound(buf []byte) (parts [][]byte, truncated int, err error) {
	if len(buf) < 1 {
		return nil, 0, fmt.Errorf("memberlist: missing compound message count byte")
	}
	numParts := int(buf[0])
	buf = buf[1:]

	if len(buf) < numParts*2 {
		return nil, 0, fmt.Errorf("memberlist: truncated compound message length header")
	}
	lengths := make([]uint16, numParts)
	for i := 0; i < numParts; i++ {
		lengths[i] = binary.BigEndian.Uint16(buf[i*2 : i*2+2])
	}
	buf = buf[numParts*2:]

	parts = make([][]byte, 0, numParts)
	for i := 0; i < numParts; i++ {
		n := int(lengths[i])
		if len(buf) < n {
			truncated = numParts - i
			break
		}
		parts = append(parts, buf[:n])
		buf = buf[n:]
	}
	return parts, truncated, nil
}

// wrapLabel prepends a HasLabel frame if label is non-empty; otherwise
// it returns msg unchanged, exactly mirroring "when a non-empty label
// is configured" in spec 4.2.
func wrapLabel(label string, msg []byte) ([]byte, error) {
	if label == "" {
		return msg, nil
	}
	if len(label) > 255 {
		return nil, fmt.Errorf("memberlist: label %q exceeds 255 bytes", label)
	}
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(hasLabelMsg))
	buf.WriteByte(uint8(len(label)))
	buf.WriteString(label)
	buf.Write(msg)
	return buf.Bytes(), nil
}

// unwrapLabel peels off a HasLabel frame, if present, and verifies it
// matches the locally configured label. A mismatch returns an error so
// the caller drops the packet per spec 4.2 ("inbound messages must
// match or are dropped").
func unwrapLabel(expected string, buf []byte) ([]byte, error) {
	if len(buf) == 0 || messageType(buf[0]) != hasLabelMsg {
		if expected != "" {
			return nil, fmt.Errorf("memberlist: missing required label %q", expected)
		}
		return buf, nil
	}
	if len(buf) < 2 {
		return nil, fmt.Errorf("memberlist: truncated label header")
	}
	labelLen := int(buf[1])
	if len(buf) < 2+labelLen {
		return nil, fmt.Errorf("memberlist: truncated label body")
	}
	label := string(buf[2 : 2+labelLen])
	if label != expected {
		return nil, fmt.Errorf("memberlist: label %q does not match expected %q", label, expected)
	}
	return buf[2+labelLen:], nil
}

func compressPayload(buf []byte) ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte(uint8(compressMsg))
	b.WriteByte(compressGzip)
	w := gzip.NewWriter(&b)
	if _, err := w.Write(buf); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decompressPayload(buf []byte) ([]byte, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("memberlist: missing compression algorithm byte")
	}
	algo := buf[0]
	if algo != compressGzip {
		return nil, fmt.Errorf("memberlist: unsupported compression algorithm %d", algo)
	}
	r, err := gzip.NewReader(bytes.NewReader(buf[1:]))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ioutil.ReadAll(r)
}

// crcWrap and crcUnwrap implement the HasCrc envelope used on UDP
// paths: a cheap integrity check independent of (and outside of) any
// encryption wrapper.
func crcWrap(buf []byte) []byte {
	var out bytes.Buffer
	out.WriteByte(uint8(hasCrcMsg))
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(buf))
	out.Write(crcBuf[:])
	out.Write(buf)
	return out.Bytes()
}

func crcUnwrap(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("memberlist: truncated crc header")
	}
	want := binary.BigEndian.Uint32(buf[:4])
	body := buf[4:]
	got := crc32.ChecksumIEEE(body)
	if got != want {
		return nil, fmt.Errorf("memberlist: bad crc (got %x, want %x)", got, want)
	}
	return body, nil
}

// readMessageType peeks the leading type byte without consuming it.
func readMessageType(buf []byte) (messageType, error) {
	if len(buf) < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	return messageType(buf[0]), nil
}
