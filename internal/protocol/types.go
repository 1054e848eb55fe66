// Package protocol implements the oxy wire protocol: the message catalog,
// the payload codec and length-delimited frames.
package protocol

// ProtocolVersion is the version announced during the session preamble.
const ProtocolVersion uint64 = 1

// Frame and chunk limits.
const (
	// HeaderSize is the size of the frame header in bytes.
	HeaderSize = 13

	// MaxPayloadSize bounds a single encoded message.
	MaxPayloadSize = 1 << 20

	// MaxChunkSize bounds the data carried by one streaming message
	// (FileData, PtyOutput, TunnelData, ...). Producers split larger
	// buffers into several messages.
	MaxChunkSize = 16 * 1024
)

// MessageType identifies a message kind on the wire.
type MessageType uint8

// Message types.
const (
	TypeProtocolVersionQuery    MessageType = 0x01
	TypeProtocolVersionAnnounce MessageType = 0x02
	TypePing                    MessageType = 0x03
	TypePong                    MessageType = 0x04
	TypeDummyMessage            MessageType = 0x05

	TypeBasicCommand       MessageType = 0x10
	TypeBasicCommandOutput MessageType = 0x11
	TypePipeCommand        MessageType = 0x12
	TypePipeCommandOutput  MessageType = 0x13
	TypePipeCommandInput   MessageType = 0x14
	TypePipeCommandExited  MessageType = 0x15

	TypeReject  MessageType = 0x20
	TypeSuccess MessageType = 0x21

	TypePtyRequest           MessageType = 0x30
	TypePtySizeAdvertisement MessageType = 0x31
	TypePtyInput             MessageType = 0x32
	TypePtyOutput            MessageType = 0x33
	TypePtyExited            MessageType = 0x34

	TypeDownloadRequest MessageType = 0x40
	TypeUploadRequest   MessageType = 0x41
	TypeFileData        MessageType = 0x42

	TypeRemoteOpen             MessageType = 0x50
	TypeRemoteBind             MessageType = 0x51
	TypeCloseRemoteBind        MessageType = 0x52
	TypeRemoteStreamData       MessageType = 0x53
	TypeLocalStreamData        MessageType = 0x54
	TypeRemoteStreamClosed     MessageType = 0x55
	TypeLocalStreamClosed      MessageType = 0x56
	TypeBindConnectionAccepted MessageType = 0x57

	TypeTunnelRequest MessageType = 0x60
	TypeTunnelData    MessageType = 0x61

	TypeStatRequest         MessageType = 0x70
	TypeStatResult          MessageType = 0x71
	TypeReadDir             MessageType = 0x72
	TypeReadDirResult       MessageType = 0x73
	TypeFileHashRequest     MessageType = 0x74
	TypeFileHashData        MessageType = 0x75
	TypeFileTruncateRequest MessageType = 0x76

	TypeKnockForward MessageType = 0x80

	TypeAdvertiseXAuth        MessageType = 0x90
	TypeUsernameAdvertisement MessageType = 0x91
)

// Class groups message types by how the session treats them.
type Class uint8

const (
	// ClassInvalid is returned for unknown message types.
	ClassInvalid Class = iota
	// ClassSignal messages are connection scoped and carry no reference.
	ClassSignal
	// ClassOpener messages create a new exchange.
	ClassOpener
	// ClassContinuation messages name an existing exchange.
	ClassContinuation
	// ClassAdvertisement messages update connection-scoped state.
	ClassAdvertisement
)

var typeInfo = map[MessageType]struct {
	name  string
	class Class
}{
	TypeProtocolVersionQuery:    {"PROTOCOL_VERSION_QUERY", ClassSignal},
	TypeProtocolVersionAnnounce: {"PROTOCOL_VERSION_ANNOUNCE", ClassSignal},
	TypePing:                    {"PING", ClassSignal},
	TypePong:                    {"PONG", ClassSignal},
	TypeDummyMessage:            {"DUMMY_MESSAGE", ClassSignal},

	TypeBasicCommand:       {"BASIC_COMMAND", ClassOpener},
	TypeBasicCommandOutput: {"BASIC_COMMAND_OUTPUT", ClassContinuation},
	TypePipeCommand:        {"PIPE_COMMAND", ClassOpener},
	TypePipeCommandOutput:  {"PIPE_COMMAND_OUTPUT", ClassContinuation},
	TypePipeCommandInput:   {"PIPE_COMMAND_INPUT", ClassContinuation},
	TypePipeCommandExited:  {"PIPE_COMMAND_EXITED", ClassContinuation},

	TypeReject:  {"REJECT", ClassContinuation},
	TypeSuccess: {"SUCCESS", ClassContinuation},

	TypePtyRequest:           {"PTY_REQUEST", ClassOpener},
	TypePtySizeAdvertisement: {"PTY_SIZE_ADVERTISEMENT", ClassAdvertisement},
	TypePtyInput:             {"PTY_INPUT", ClassContinuation},
	TypePtyOutput:            {"PTY_OUTPUT", ClassContinuation},
	TypePtyExited:            {"PTY_EXITED", ClassContinuation},

	TypeDownloadRequest: {"DOWNLOAD_REQUEST", ClassOpener},
	TypeUploadRequest:   {"UPLOAD_REQUEST", ClassOpener},
	TypeFileData:        {"FILE_DATA", ClassContinuation},

	TypeRemoteOpen:             {"REMOTE_OPEN", ClassOpener},
	TypeRemoteBind:             {"REMOTE_BIND", ClassOpener},
	TypeCloseRemoteBind:        {"CLOSE_REMOTE_BIND", ClassContinuation},
	TypeRemoteStreamData:       {"REMOTE_STREAM_DATA", ClassContinuation},
	TypeLocalStreamData:        {"LOCAL_STREAM_DATA", ClassContinuation},
	TypeRemoteStreamClosed:     {"REMOTE_STREAM_CLOSED", ClassContinuation},
	TypeLocalStreamClosed:      {"LOCAL_STREAM_CLOSED", ClassContinuation},
	TypeBindConnectionAccepted: {"BIND_CONNECTION_ACCEPTED", ClassContinuation},

	TypeTunnelRequest: {"TUNNEL_REQUEST", ClassOpener},
	TypeTunnelData:    {"TUNNEL_DATA", ClassContinuation},

	TypeStatRequest:         {"STAT_REQUEST", ClassOpener},
	TypeStatResult:          {"STAT_RESULT", ClassContinuation},
	TypeReadDir:             {"READ_DIR", ClassOpener},
	TypeReadDirResult:       {"READ_DIR_RESULT", ClassContinuation},
	TypeFileHashRequest:     {"FILE_HASH_REQUEST", ClassOpener},
	TypeFileHashData:        {"FILE_HASH_DATA", ClassContinuation},
	TypeFileTruncateRequest: {"FILE_TRUNCATE_REQUEST", ClassOpener},

	TypeKnockForward: {"KNOCK_FORWARD", ClassOpener},

	TypeAdvertiseXAuth:        {"ADVERTISE_XAUTH", ClassAdvertisement},
	TypeUsernameAdvertisement: {"USERNAME_ADVERTISEMENT", ClassAdvertisement},
}

// TypeName returns a human-readable name for a message type.
func TypeName(t MessageType) string {
	if info, ok := typeInfo[t]; ok {
		return info.name
	}
	return "UNKNOWN"
}

// String implements fmt.Stringer.
func (t MessageType) String() string {
	return TypeName(t)
}

// ClassOf returns the class of a message type.
func ClassOf(t MessageType) Class {
	return typeInfo[t].class
}

// IsOpener returns true if the message type creates an exchange.
func IsOpener(t MessageType) bool {
	return ClassOf(t) == ClassOpener
}

// Hash algorithms accepted by FileHashRequest.
const (
	HashSHA256  uint64 = 0
	HashSHA512  uint64 = 1
	HashBLAKE2b uint64 = 2
	HashMD5     uint64 = 3
)

// HashAlgorithmName returns the name of a hash algorithm.
func HashAlgorithmName(algo uint64) string {
	switch algo {
	case HashSHA256:
		return "sha256"
	case HashSHA512:
		return "sha512"
	case HashBLAKE2b:
		return "blake2b"
	case HashMD5:
		return "md5"
	default:
		return "unknown"
	}
}

// ParseHashAlgorithm returns the algorithm identifier for a name.
func ParseHashAlgorithm(name string) (uint64, bool) {
	switch name {
	case "sha256", "":
		return HashSHA256, true
	case "sha512":
		return HashSHA512, true
	case "blake2b":
		return HashBLAKE2b, true
	case "md5":
		return HashMD5, true
	default:
		return 0, false
	}
}
