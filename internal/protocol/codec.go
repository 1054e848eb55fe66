package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

var (
	// ErrInvalidMessage is returned when a payload does not match the shape
	// of its message type.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrUnknownMessageType is returned for unrecognized message types.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Marshal encodes the payload of a message.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	e := &encoder{}
	m.encode(e)
	if e.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, TypeName(m.Type()), e.err)
	}
	if len(e.buf) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	return e.buf, nil
}

// Unmarshal decodes the payload of a message of type t. The payload must be
// consumed exactly.
func Unmarshal(t MessageType, payload []byte) (Message, error) {
	m := newMessage(t)
	if m == nil {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, uint8(t))
	}
	d := &decoder{buf: payload}
	m.decode(d)
	if d.err == nil && d.off != len(d.buf) {
		d.err = fmt.Errorf("%d trailing bytes", len(d.buf)-d.off)
	}
	if d.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, TypeName(t), d.err)
	}
	return m, nil
}

// ============================================================================
// Primitive encoding
// ============================================================================

type encoder struct {
	buf []byte
	err error
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }
func (e *encoder) i32(v int32)  { e.u32(uint32(v)) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) bytes(b []byte) {
	if len(b) > MaxPayloadSize {
		e.err = fmt.Errorf("field of %d bytes exceeds payload limit", len(b))
		return
	}
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) string(s string) {
	if !utf8.ValidString(s) {
		e.err = errors.New("string is not valid UTF-8")
		return
	}
	if len(s) > MaxPayloadSize {
		e.err = fmt.Errorf("string of %d bytes exceeds payload limit", len(s))
		return
	}
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) strings(ss []string) {
	e.u32(uint32(len(ss)))
	for _, s := range ss {
		e.string(s)
	}
}

func (e *encoder) optU64(v *uint64) {
	if v == nil {
		e.u8(0)
		return
	}
	e.u8(1)
	e.u64(*v)
}

func (e *encoder) optTime(t *time.Time) {
	if t == nil {
		e.u8(0)
		return
	}
	e.u8(1)
	e.i64(t.Unix())
	e.i32(int32(t.Nanosecond()))
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = errors.New("payload truncated")
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) i32() int32 { return int32(d.u32()) }
func (d *decoder) i64() int64 { return int64(d.u64()) }

// flag reads a strict 0/1 byte.
func (d *decoder) flag() bool {
	v := d.u8()
	if v > 1 && d.err == nil {
		d.err = fmt.Errorf("invalid boolean byte 0x%02x", v)
	}
	return v == 1
}

func (d *decoder) bytes() []byte {
	n := d.u32()
	if n > math.MaxInt32 {
		d.err = errors.New("length overflow")
		return nil
	}
	b := d.take(int(n))
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (d *decoder) string() string {
	n := d.u32()
	if n > math.MaxInt32 {
		d.err = errors.New("length overflow")
		return ""
	}
	b := d.take(int(n))
	if d.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		d.err = errors.New("string is not valid UTF-8")
		return ""
	}
	return string(b)
}

func (d *decoder) strings() []string {
	n := d.u32()
	if d.err != nil || n == 0 {
		return nil
	}
	// Every string needs at least its length prefix.
	if uint64(n)*4 > uint64(len(d.buf)-d.off) {
		d.err = errors.New("string list truncated")
		return nil
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		out = append(out, d.string())
	}
	return out
}

func (d *decoder) optU64() *uint64 {
	if !d.flag() {
		return nil
	}
	v := d.u64()
	if d.err != nil {
		return nil
	}
	return &v
}

func (d *decoder) optTime() *time.Time {
	if !d.flag() {
		return nil
	}
	sec := d.i64()
	nsec := d.i32()
	if d.err != nil {
		return nil
	}
	if nsec < 0 || nsec >= 1e9 {
		d.err = fmt.Errorf("invalid nanoseconds %d", nsec)
		return nil
	}
	t := time.Unix(sec, int64(nsec)).UTC()
	return &t
}

// ============================================================================
// Per-message layouts
// ============================================================================

func (m *ProtocolVersionQuery) encode(e *encoder) {}
func (m *ProtocolVersionQuery) decode(d *decoder) {}

func (m *ProtocolVersionAnnounce) encode(e *encoder) { e.u64(m.Version) }
func (m *ProtocolVersionAnnounce) decode(d *decoder) { m.Version = d.u64() }

func (m *Ping) encode(e *encoder) {}
func (m *Ping) decode(d *decoder) {}

func (m *Pong) encode(e *encoder) {}
func (m *Pong) decode(d *decoder) {}

func (m *DummyMessage) encode(e *encoder) { e.bytes(m.Data) }
func (m *DummyMessage) decode(d *decoder) { m.Data = d.bytes() }

func (m *BasicCommand) encode(e *encoder) { e.string(m.Command) }
func (m *BasicCommand) decode(d *decoder) { m.Command = d.string() }

func (m *BasicCommandOutput) encode(e *encoder) {
	e.u64(m.Reference)
	e.bytes(m.Stdout)
	e.bytes(m.Stderr)
}

func (m *BasicCommandOutput) decode(d *decoder) {
	m.Reference = d.u64()
	m.Stdout = d.bytes()
	m.Stderr = d.bytes()
}

func (m *PipeCommand) encode(e *encoder) { e.string(m.Command) }
func (m *PipeCommand) decode(d *decoder) { m.Command = d.string() }

func (m *PipeCommandOutput) encode(e *encoder) {
	e.u64(m.Reference)
	e.bytes(m.Stdout)
	e.bytes(m.Stderr)
}

func (m *PipeCommandOutput) decode(d *decoder) {
	m.Reference = d.u64()
	m.Stdout = d.bytes()
	m.Stderr = d.bytes()
}

func (m *PipeCommandInput) encode(e *encoder) {
	e.u64(m.Reference)
	e.bytes(m.Input)
}

func (m *PipeCommandInput) decode(d *decoder) {
	m.Reference = d.u64()
	m.Input = d.bytes()
}

func (m *PipeCommandExited) encode(e *encoder) {
	e.u64(m.Reference)
	e.i32(m.Status)
}

func (m *PipeCommandExited) decode(d *decoder) {
	m.Reference = d.u64()
	m.Status = d.i32()
}

func (m *Reject) encode(e *encoder) {
	e.u64(m.Reference)
	e.string(m.Note)
}

func (m *Reject) decode(d *decoder) {
	m.Reference = d.u64()
	m.Note = d.string()
}

func (m *Success) encode(e *encoder) { e.u64(m.Reference) }
func (m *Success) decode(d *decoder) { m.Reference = d.u64() }

func (m *PtyRequest) encode(e *encoder) { e.string(m.Command) }
func (m *PtyRequest) decode(d *decoder) { m.Command = d.string() }

func (m *PtySizeAdvertisement) encode(e *encoder) {
	e.u16(m.W)
	e.u16(m.H)
}

func (m *PtySizeAdvertisement) decode(d *decoder) {
	m.W = d.u16()
	m.H = d.u16()
}

func (m *PtyInput) encode(e *encoder) {
	e.u64(m.Reference)
	e.bytes(m.Data)
}

func (m *PtyInput) decode(d *decoder) {
	m.Reference = d.u64()
	m.Data = d.bytes()
}

func (m *PtyOutput) encode(e *encoder) {
	e.u64(m.Reference)
	e.bytes(m.Data)
}

func (m *PtyOutput) decode(d *decoder) {
	m.Reference = d.u64()
	m.Data = d.bytes()
}

func (m *PtyExited) encode(e *encoder) {
	e.u64(m.Reference)
	e.i32(m.Status)
}

func (m *PtyExited) decode(d *decoder) {
	m.Reference = d.u64()
	m.Status = d.i32()
}

func (m *DownloadRequest) encode(e *encoder) {
	e.string(m.Path)
	e.optU64(m.OffsetStart)
	e.optU64(m.OffsetEnd)
}

func (m *DownloadRequest) decode(d *decoder) {
	m.Path = d.string()
	m.OffsetStart = d.optU64()
	m.OffsetEnd = d.optU64()
}

func (m *UploadRequest) encode(e *encoder) {
	e.string(m.Path)
	e.string(m.Filepart)
	e.optU64(m.OffsetStart)
}

func (m *UploadRequest) decode(d *decoder) {
	m.Path = d.string()
	m.Filepart = d.string()
	m.OffsetStart = d.optU64()
}

func (m *FileData) encode(e *encoder) {
	e.u64(m.Reference)
	e.bytes(m.Data)
}

func (m *FileData) decode(d *decoder) {
	m.Reference = d.u64()
	m.Data = d.bytes()
}

func (m *RemoteOpen) encode(e *encoder) { e.string(m.Addr) }
func (m *RemoteOpen) decode(d *decoder) { m.Addr = d.string() }

func (m *RemoteBind) encode(e *encoder) { e.string(m.Addr) }
func (m *RemoteBind) decode(d *decoder) { m.Addr = d.string() }

func (m *CloseRemoteBind) encode(e *encoder) { e.u64(m.Reference) }
func (m *CloseRemoteBind) decode(d *decoder) { m.Reference = d.u64() }

func (m *RemoteStreamData) encode(e *encoder) {
	e.u64(m.Reference)
	e.bytes(m.Data)
}

func (m *RemoteStreamData) decode(d *decoder) {
	m.Reference = d.u64()
	m.Data = d.bytes()
}

func (m *LocalStreamData) encode(e *encoder) {
	e.u64(m.Reference)
	e.bytes(m.Data)
}

func (m *LocalStreamData) decode(d *decoder) {
	m.Reference = d.u64()
	m.Data = d.bytes()
}

func (m *RemoteStreamClosed) encode(e *encoder) { e.u64(m.Reference) }
func (m *RemoteStreamClosed) decode(d *decoder) { m.Reference = d.u64() }

func (m *LocalStreamClosed) encode(e *encoder) { e.u64(m.Reference) }
func (m *LocalStreamClosed) decode(d *decoder) { m.Reference = d.u64() }

func (m *BindConnectionAccepted) encode(e *encoder) { e.u64(m.Reference) }
func (m *BindConnectionAccepted) decode(d *decoder) { m.Reference = d.u64() }

func (m *TunnelRequest) encode(e *encoder) {
	e.bool(m.Tap)
	e.string(m.Name)
}

func (m *TunnelRequest) decode(d *decoder) {
	m.Tap = d.flag()
	m.Name = d.string()
}

func (m *TunnelData) encode(e *encoder) {
	e.u64(m.Reference)
	e.bytes(m.Data)
}

func (m *TunnelData) decode(d *decoder) {
	m.Reference = d.u64()
	m.Data = d.bytes()
}

func (m *StatRequest) encode(e *encoder) { e.string(m.Path) }
func (m *StatRequest) decode(d *decoder) { m.Path = d.string() }

func (m *StatResult) encode(e *encoder) {
	e.u64(m.Reference)
	e.u64(m.Len)
	e.bool(m.IsDir)
	e.bool(m.IsFile)
	e.string(m.Owner)
	e.string(m.Group)
	e.u16(m.OctalPermissions)
	e.optTime(m.Atime)
	e.optTime(m.Mtime)
	e.optTime(m.Ctime)
}

func (m *StatResult) decode(d *decoder) {
	m.Reference = d.u64()
	m.Len = d.u64()
	m.IsDir = d.flag()
	m.IsFile = d.flag()
	m.Owner = d.string()
	m.Group = d.string()
	m.OctalPermissions = d.u16()
	m.Atime = d.optTime()
	m.Mtime = d.optTime()
	m.Ctime = d.optTime()
}

func (m *ReadDir) encode(e *encoder) { e.string(m.Path) }
func (m *ReadDir) decode(d *decoder) { m.Path = d.string() }

func (m *ReadDirResult) encode(e *encoder) {
	e.u64(m.Reference)
	e.bool(m.Complete)
	e.strings(m.Answers)
}

func (m *ReadDirResult) decode(d *decoder) {
	m.Reference = d.u64()
	m.Complete = d.flag()
	m.Answers = d.strings()
}

func (m *FileHashRequest) encode(e *encoder) {
	e.string(m.Path)
	e.optU64(m.OffsetStart)
	e.optU64(m.OffsetEnd)
	e.u64(m.HashAlgorithm)
}

func (m *FileHashRequest) decode(d *decoder) {
	m.Path = d.string()
	m.OffsetStart = d.optU64()
	m.OffsetEnd = d.optU64()
	m.HashAlgorithm = d.u64()
}

func (m *FileHashData) encode(e *encoder) {
	e.u64(m.Reference)
	e.bytes(m.Digest)
}

func (m *FileHashData) decode(d *decoder) {
	m.Reference = d.u64()
	m.Digest = d.bytes()
}

func (m *FileTruncateRequest) encode(e *encoder) {
	e.string(m.Path)
	e.u64(m.Len)
}

func (m *FileTruncateRequest) decode(d *decoder) {
	m.Path = d.string()
	m.Len = d.u64()
}

func (m *KnockForward) encode(e *encoder) {
	e.string(m.Destination)
	e.bytes(m.Knock)
}

func (m *KnockForward) decode(d *decoder) {
	m.Destination = d.string()
	m.Knock = d.bytes()
}

func (m *AdvertiseXAuth) encode(e *encoder) { e.string(m.Cookie) }
func (m *AdvertiseXAuth) decode(d *decoder) { m.Cookie = d.string() }

func (m *UsernameAdvertisement) encode(e *encoder) { e.string(m.Username) }
func (m *UsernameAdvertisement) decode(d *decoder) { m.Username = d.string() }
