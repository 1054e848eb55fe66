package protocol

import "time"

// Message is one entry of the closed message catalog. The set is sealed:
// only types in this package implement it.
type Message interface {
	Type() MessageType
	encode(e *encoder)
	decode(d *decoder)
}

// Correlated is implemented by continuations, which name the exchange they
// belong to.
type Correlated interface {
	Message
	Ref() uint64
}

// ============================================================================
// Connection signals
// ============================================================================

// ProtocolVersionQuery asks the peer to announce its protocol version.
type ProtocolVersionQuery struct{}

// ProtocolVersionAnnounce answers a ProtocolVersionQuery.
type ProtocolVersionAnnounce struct {
	Version uint64
}

// Ping is a liveness probe. The peer answers with Pong.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// DummyMessage carries chaff and is discarded by the receiver.
type DummyMessage struct {
	Data []byte
}

func (*ProtocolVersionQuery) Type() MessageType    { return TypeProtocolVersionQuery }
func (*ProtocolVersionAnnounce) Type() MessageType { return TypeProtocolVersionAnnounce }
func (*Ping) Type() MessageType                    { return TypePing }
func (*Pong) Type() MessageType                    { return TypePong }
func (*DummyMessage) Type() MessageType            { return TypeDummyMessage }

// ============================================================================
// Commands
// ============================================================================

// BasicCommand runs a command to completion and returns its output in one
// BasicCommandOutput.
type BasicCommand struct {
	Command string
}

// BasicCommandOutput is the terminal result of a BasicCommand.
type BasicCommandOutput struct {
	Reference uint64
	Stdout    []byte
	Stderr    []byte
}

// PipeCommand starts a command with its standard streams attached to the
// exchange.
type PipeCommand struct {
	Command string
}

// PipeCommandOutput carries a chunk of stdout and/or stderr.
type PipeCommandOutput struct {
	Reference uint64
	Stdout    []byte
	Stderr    []byte
}

// PipeCommandInput carries a chunk of stdin. Empty input closes stdin.
type PipeCommandInput struct {
	Reference uint64
	Input     []byte
}

// PipeCommandExited reports process exit and ends the exchange.
type PipeCommandExited struct {
	Reference uint64
	Status    int32
}

func (*BasicCommand) Type() MessageType       { return TypeBasicCommand }
func (*BasicCommandOutput) Type() MessageType { return TypeBasicCommandOutput }
func (*PipeCommand) Type() MessageType        { return TypePipeCommand }
func (*PipeCommandOutput) Type() MessageType  { return TypePipeCommandOutput }
func (*PipeCommandInput) Type() MessageType   { return TypePipeCommandInput }
func (*PipeCommandExited) Type() MessageType  { return TypePipeCommandExited }

func (m *BasicCommandOutput) Ref() uint64 { return m.Reference }
func (m *PipeCommandOutput) Ref() uint64  { return m.Reference }
func (m *PipeCommandInput) Ref() uint64   { return m.Reference }
func (m *PipeCommandExited) Ref() uint64  { return m.Reference }

// ============================================================================
// Generic results
// ============================================================================

// Reject terminates an exchange with a human-readable note.
type Reject struct {
	Reference uint64
	Note      string
}

// Success completes an exchange that has no richer result.
type Success struct {
	Reference uint64
}

func (*Reject) Type() MessageType  { return TypeReject }
func (*Success) Type() MessageType { return TypeSuccess }

func (m *Reject) Ref() uint64  { return m.Reference }
func (m *Success) Ref() uint64 { return m.Reference }

// ============================================================================
// Pty
// ============================================================================

// PtyRequest starts a command attached to a pseudo-terminal.
type PtyRequest struct {
	Command string
}

// PtySizeAdvertisement resizes the active pty.
type PtySizeAdvertisement struct {
	W uint16
	H uint16
}

// PtyInput carries terminal input.
type PtyInput struct {
	Reference uint64
	Data      []byte
}

// PtyOutput carries terminal output.
type PtyOutput struct {
	Reference uint64
	Data      []byte
}

// PtyExited reports the exit status of the pty command.
type PtyExited struct {
	Reference uint64
	Status    int32
}

func (*PtyRequest) Type() MessageType           { return TypePtyRequest }
func (*PtySizeAdvertisement) Type() MessageType { return TypePtySizeAdvertisement }
func (*PtyInput) Type() MessageType             { return TypePtyInput }
func (*PtyOutput) Type() MessageType            { return TypePtyOutput }
func (*PtyExited) Type() MessageType            { return TypePtyExited }

func (m *PtyInput) Ref() uint64  { return m.Reference }
func (m *PtyOutput) Ref() uint64 { return m.Reference }
func (m *PtyExited) Ref() uint64 { return m.Reference }

// ============================================================================
// File transfer
// ============================================================================

// DownloadRequest asks for the contents of a remote file. A nil offset
// means the start or end of the file.
type DownloadRequest struct {
	Path        string
	OffsetStart *uint64
	OffsetEnd   *uint64
}

// UploadRequest announces an upload. Data is written to Filepart (or a
// default partial name when empty) and moved to Path once complete.
type UploadRequest struct {
	Path        string
	Filepart    string
	OffsetStart *uint64
}

// FileData carries a chunk of file content.
type FileData struct {
	Reference uint64
	Data      []byte
}

func (*DownloadRequest) Type() MessageType { return TypeDownloadRequest }
func (*UploadRequest) Type() MessageType   { return TypeUploadRequest }
func (*FileData) Type() MessageType        { return TypeFileData }

func (m *FileData) Ref() uint64 { return m.Reference }

// ============================================================================
// Forwarding
// ============================================================================

// RemoteOpen asks the peer to connect to Addr.
type RemoteOpen struct {
	Addr string
}

// RemoteBind asks the peer to listen on Addr.
type RemoteBind struct {
	Addr string
}

// CloseRemoteBind stops a bind listener and its children.
type CloseRemoteBind struct {
	Reference uint64
}

// RemoteStreamData carries bytes read by the remote end of a stream.
type RemoteStreamData struct {
	Reference uint64
	Data      []byte
}

// LocalStreamData carries bytes read by the local end of a stream.
type LocalStreamData struct {
	Reference uint64
	Data      []byte
}

// RemoteStreamClosed signals that the remote end stopped sending.
type RemoteStreamClosed struct {
	Reference uint64
}

// LocalStreamClosed signals that the local end stopped sending.
type LocalStreamClosed struct {
	Reference uint64
}

// BindConnectionAccepted reports a connection accepted by the bind named by
// Reference. The frame carrying it opens the child stream.
type BindConnectionAccepted struct {
	Reference uint64
}

func (*RemoteOpen) Type() MessageType             { return TypeRemoteOpen }
func (*RemoteBind) Type() MessageType             { return TypeRemoteBind }
func (*CloseRemoteBind) Type() MessageType        { return TypeCloseRemoteBind }
func (*RemoteStreamData) Type() MessageType       { return TypeRemoteStreamData }
func (*LocalStreamData) Type() MessageType        { return TypeLocalStreamData }
func (*RemoteStreamClosed) Type() MessageType     { return TypeRemoteStreamClosed }
func (*LocalStreamClosed) Type() MessageType      { return TypeLocalStreamClosed }
func (*BindConnectionAccepted) Type() MessageType { return TypeBindConnectionAccepted }

func (m *CloseRemoteBind) Ref() uint64        { return m.Reference }
func (m *RemoteStreamData) Ref() uint64       { return m.Reference }
func (m *LocalStreamData) Ref() uint64        { return m.Reference }
func (m *RemoteStreamClosed) Ref() uint64     { return m.Reference }
func (m *LocalStreamClosed) Ref() uint64      { return m.Reference }
func (m *BindConnectionAccepted) Ref() uint64 { return m.Reference }

// ============================================================================
// Tunnels
// ============================================================================

// TunnelRequest asks the peer to open a TUN (or TAP) interface.
type TunnelRequest struct {
	Tap  bool
	Name string
}

// TunnelData carries one packet or frame.
type TunnelData struct {
	Reference uint64
	Data      []byte
}

func (*TunnelRequest) Type() MessageType { return TypeTunnelRequest }
func (*TunnelData) Type() MessageType    { return TypeTunnelData }

func (m *TunnelData) Ref() uint64 { return m.Reference }

// ============================================================================
// Filesystem queries
// ============================================================================

// StatRequest asks for file metadata.
type StatRequest struct {
	Path string
}

// StatResult answers a StatRequest.
type StatResult struct {
	Reference        uint64
	Len              uint64
	IsDir            bool
	IsFile           bool
	Owner            string
	Group            string
	OctalPermissions uint16
	Atime            *time.Time
	Mtime            *time.Time
	Ctime            *time.Time
}

// ReadDir asks for the entries of a directory.
type ReadDir struct {
	Path string
}

// ReadDirResult carries a batch of directory entries. The exchange ends
// with the batch marked Complete.
type ReadDirResult struct {
	Reference uint64
	Complete  bool
	Answers   []string
}

// FileHashRequest asks for a digest of a file or a byte range of it.
type FileHashRequest struct {
	Path          string
	OffsetStart   *uint64
	OffsetEnd     *uint64
	HashAlgorithm uint64
}

// FileHashData answers a FileHashRequest.
type FileHashData struct {
	Reference uint64
	Digest    []byte
}

// FileTruncateRequest truncates (or extends) a file to Len bytes.
type FileTruncateRequest struct {
	Path string
	Len  uint64
}

func (*StatRequest) Type() MessageType         { return TypeStatRequest }
func (*StatResult) Type() MessageType          { return TypeStatResult }
func (*ReadDir) Type() MessageType             { return TypeReadDir }
func (*ReadDirResult) Type() MessageType       { return TypeReadDirResult }
func (*FileHashRequest) Type() MessageType     { return TypeFileHashRequest }
func (*FileHashData) Type() MessageType        { return TypeFileHashData }
func (*FileTruncateRequest) Type() MessageType { return TypeFileTruncateRequest }

func (m *StatResult) Ref() uint64    { return m.Reference }
func (m *ReadDirResult) Ref() uint64 { return m.Reference }
func (m *FileHashData) Ref() uint64  { return m.Reference }

// ============================================================================
// Miscellaneous
// ============================================================================

// KnockForward relays Knock to Destination.
type KnockForward struct {
	Destination string
	Knock       []byte
}

// AdvertiseXAuth shares the local X authority cookie.
type AdvertiseXAuth struct {
	Cookie string
}

// UsernameAdvertisement shares the local user name.
type UsernameAdvertisement struct {
	Username string
}

func (*KnockForward) Type() MessageType          { return TypeKnockForward }
func (*AdvertiseXAuth) Type() MessageType        { return TypeAdvertiseXAuth }
func (*UsernameAdvertisement) Type() MessageType { return TypeUsernameAdvertisement }

// newMessage returns an empty message of the given type.
func newMessage(t MessageType) Message {
	switch t {
	case TypeProtocolVersionQuery:
		return &ProtocolVersionQuery{}
	case TypeProtocolVersionAnnounce:
		return &ProtocolVersionAnnounce{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeDummyMessage:
		return &DummyMessage{}
	case TypeBasicCommand:
		return &BasicCommand{}
	case TypeBasicCommandOutput:
		return &BasicCommandOutput{}
	case TypePipeCommand:
		return &PipeCommand{}
	case TypePipeCommandOutput:
		return &PipeCommandOutput{}
	case TypePipeCommandInput:
		return &PipeCommandInput{}
	case TypePipeCommandExited:
		return &PipeCommandExited{}
	case TypeReject:
		return &Reject{}
	case TypeSuccess:
		return &Success{}
	case TypePtyRequest:
		return &PtyRequest{}
	case TypePtySizeAdvertisement:
		return &PtySizeAdvertisement{}
	case TypePtyInput:
		return &PtyInput{}
	case TypePtyOutput:
		return &PtyOutput{}
	case TypePtyExited:
		return &PtyExited{}
	case TypeDownloadRequest:
		return &DownloadRequest{}
	case TypeUploadRequest:
		return &UploadRequest{}
	case TypeFileData:
		return &FileData{}
	case TypeRemoteOpen:
		return &RemoteOpen{}
	case TypeRemoteBind:
		return &RemoteBind{}
	case TypeCloseRemoteBind:
		return &CloseRemoteBind{}
	case TypeRemoteStreamData:
		return &RemoteStreamData{}
	case TypeLocalStreamData:
		return &LocalStreamData{}
	case TypeRemoteStreamClosed:
		return &RemoteStreamClosed{}
	case TypeLocalStreamClosed:
		return &LocalStreamClosed{}
	case TypeBindConnectionAccepted:
		return &BindConnectionAccepted{}
	case TypeTunnelRequest:
		return &TunnelRequest{}
	case TypeTunnelData:
		return &TunnelData{}
	case TypeStatRequest:
		return &StatRequest{}
	case TypeStatResult:
		return &StatResult{}
	case TypeReadDir:
		return &ReadDir{}
	case TypeReadDirResult:
		return &ReadDirResult{}
	case TypeFileHashRequest:
		return &FileHashRequest{}
	case TypeFileHashData:
		return &FileHashData{}
	case TypeFileTruncateRequest:
		return &FileTruncateRequest{}
	case TypeKnockForward:
		return &KnockForward{}
	case TypeAdvertiseXAuth:
		return &AdvertiseXAuth{}
	case TypeUsernameAdvertisement:
		return &UsernameAdvertisement{}
	default:
		return nil
	}
}
