package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")
)

// Frame is one message on the wire together with the reference it belongs
// to.
//
// Header format (13 bytes):
//
//	Type      [1 byte]  - Message type
//	Reference [8 bytes] - Exchange reference (big-endian)
//	Length    [4 bytes] - Payload length (big-endian)
//
// Openers carry the reference they allocate. Continuations carry the
// reference of their payload. Signals and advertisements carry zero.
// BindConnectionAccepted names the parent bind in its payload and the new
// child stream in the header.
type Frame struct {
	Reference uint64
	Message   Message
}

// NewFrame builds a frame for a message that is not an opener.
func NewFrame(m Message) *Frame {
	f := &Frame{Message: m}
	if c, ok := m.(Correlated); ok && m.Type() != TypeBindConnectionAccepted {
		f.Reference = c.Ref()
	}
	return f
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	payload, err := Marshal(f.Message)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(payload))
	buf[0] = uint8(f.Message.Type())
	binary.BigEndian.PutUint64(buf[1:9], f.Reference)
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(payload)))
	return append(buf, payload...), nil
}

// check validates the header reference against the message class.
func (f *Frame) check() error {
	if f.Message == nil {
		return fmt.Errorf("%w: no message", ErrInvalidFrame)
	}
	t := f.Message.Type()
	switch ClassOf(t) {
	case ClassOpener:
		if f.Reference == 0 {
			return fmt.Errorf("%w: %s without reference", ErrInvalidFrame, TypeName(t))
		}
	case ClassContinuation:
		ref := f.Message.(Correlated).Ref()
		if ref == 0 {
			return fmt.Errorf("%w: %s with zero reference", ErrInvalidFrame, TypeName(t))
		}
		if t == TypeBindConnectionAccepted {
			if f.Reference == 0 || f.Reference == ref {
				return fmt.Errorf("%w: %s child reference %d", ErrInvalidFrame, TypeName(t), f.Reference)
			}
		} else if f.Reference != ref {
			return fmt.Errorf("%w: %s header reference %d, payload reference %d",
				ErrInvalidFrame, TypeName(t), f.Reference, ref)
		}
	case ClassSignal, ClassAdvertisement:
		if f.Reference != 0 {
			return fmt.Errorf("%w: %s with reference %d", ErrInvalidFrame, TypeName(t), f.Reference)
		}
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, uint8(t))
	}
	return nil
}

// DecodeHeader decodes a frame header from bytes.
func DecodeHeader(buf []byte) (msgType MessageType, ref uint64, length uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	msgType = MessageType(buf[0])
	ref = binary.BigEndian.Uint64(buf[1:9])
	length = binary.BigEndian.Uint32(buf[9:13])

	if length > MaxPayloadSize {
		return 0, 0, 0, ErrFrameTooLarge
	}
	return msgType, ref, length, nil
}

// Decode deserializes exactly one frame from bytes.
func Decode(buf []byte) (*Frame, error) {
	msgType, ref, length, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) != HeaderSize+int(length) {
		return nil, fmt.Errorf("%w: frame length %d, header says %d", ErrInvalidFrame, len(buf)-HeaderSize, length)
	}
	return decodeFrame(msgType, ref, buf[HeaderSize:])
}

func decodeFrame(msgType MessageType, ref uint64, payload []byte) (*Frame, error) {
	m, err := Unmarshal(msgType, payload)
	if err != nil {
		return nil, err
	}
	f := &Frame{Reference: ref, Message: m}
	if err := f.check(); err != nil {
		return nil, err
	}
	return f, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	if f.Message == nil {
		return fmt.Sprintf("Frame{Reference=%d}", f.Reference)
	}
	return fmt.Sprintf("Frame{Type=%s, Reference=%d}", TypeName(f.Message.Type()), f.Reference)
}

// FrameReader reads frames from an io.Reader.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Read reads and decodes the next frame. Transport errors are returned
// as-is; malformed frames wrap ErrInvalidFrame, ErrInvalidMessage,
// ErrUnknownMessageType or ErrFrameTooLarge.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	msgType, ref, length, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
	}
	return decodeFrame(msgType, ref, payload)
}

// FrameWriter writes frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write encodes a frame and writes it with a single Write call. It returns
// the number of bytes written.
func (fw *FrameWriter) Write(f *Frame) (int, error) {
	data, err := f.Encode()
	if err != nil {
		return 0, err
	}
	return fw.WriteEncoded(data)
}

// WriteEncoded writes a frame already serialized by Encode.
func (fw *FrameWriter) WriteEncoded(data []byte) (int, error) {
	return fw.w.Write(data)
}

// IsDecodeError reports whether err describes a malformed frame rather than
// a transport failure.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrInvalidFrame) ||
		errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrUnknownMessageType) ||
		errors.Is(err, ErrFrameTooLarge)
}
