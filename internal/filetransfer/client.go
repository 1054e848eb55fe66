package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/oxy/internal/protocol"
	"github.com/postalsys/oxy/internal/session"
)

// Opener starts exchanges on a session.
type Opener interface {
	Open(ctx context.Context, opener protocol.Message) (*session.Exchange, error)
}

// Transfer describes a finished download or upload.
type Transfer struct {
	Bytes    int64
	Offset   int64
	Duration time.Duration
}

// String renders a transfer summary such as "1.2 MB in 3s (400 kB/s)".
func (t Transfer) String() string {
	s := fmt.Sprintf("%s in %s", humanize.Bytes(uint64(t.Bytes)), t.Duration.Round(time.Millisecond))
	if secs := t.Duration.Seconds(); secs > 0 {
		s += fmt.Sprintf(" (%s/s)", humanize.Bytes(uint64(float64(t.Bytes)/secs)))
	}
	if t.Offset > 0 {
		s += fmt.Sprintf(", resumed at %s", humanize.Bytes(uint64(t.Offset)))
	}
	return s
}

func unexpected(m protocol.Message) error {
	return fmt.Errorf("unexpected %s", protocol.TypeName(m.Type()))
}

// expectEnd waits for the exchange to finish after its terminal message.
func expectEnd(ctx context.Context, ex *session.Exchange) error {
	m, err := ex.Recv(ctx)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	return unexpected(m)
}

// Download copies remote bytes [start, end) into w. Nil bounds mean the
// start and end of the file.
func Download(ctx context.Context, s Opener, remote string, w io.Writer, start, end *uint64) (Transfer, error) {
	began := time.Now()
	ex, err := s.Open(ctx, &protocol.DownloadRequest{Path: remote, OffsetStart: start, OffsetEnd: end})
	if err != nil {
		return Transfer{}, err
	}

	var t Transfer
	if start != nil {
		t.Offset = int64(*start)
	}
	for {
		m, err := ex.Recv(ctx)
		if err != nil {
			t.Duration = time.Since(began)
			if errors.Is(err, io.EOF) {
				err = errors.New("download ended without completion")
			}
			return t, err
		}
		switch m := m.(type) {
		case *protocol.FileData:
			n, werr := w.Write(m.Data)
			t.Bytes += int64(n)
			if werr != nil {
				ex.Reject(werr.Error())
				t.Duration = time.Since(began)
				return t, werr
			}
		case *protocol.Success:
			t.Duration = time.Since(began)
			return t, nil
		default:
			return t, unexpected(m)
		}
	}
}

// DownloadFile fetches remote into local. With resume set, an existing
// local file is continued from its current size.
func DownloadFile(ctx context.Context, s Opener, remote, local string, resume bool) (Transfer, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	var start *uint64
	if resume {
		if info, err := os.Stat(local); err == nil && info.Size() > 0 {
			off := uint64(info.Size())
			start = &off
			flags = os.O_WRONLY | os.O_APPEND
		}
	}
	f, err := os.OpenFile(local, flags, 0644)
	if err != nil {
		return Transfer{}, err
	}
	t, err := Download(ctx, s, remote, f, start, nil)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return t, err
}

// Upload sends r to remote starting at offset. A nil offset replaces any
// staged data.
func Upload(ctx context.Context, s Opener, r io.Reader, remote string, offset *uint64) (Transfer, error) {
	began := time.Now()
	ex, err := s.Open(ctx, &protocol.UploadRequest{Path: remote, OffsetStart: offset})
	if err != nil {
		return Transfer{}, err
	}
	ref := ex.Reference()

	var t Transfer
	if offset != nil {
		t.Offset = int64(*offset)
	}
	buf := make([]byte, protocol.MaxChunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if err := ex.Send(ctx, &protocol.FileData{Reference: ref, Data: chunk}); err != nil {
				t.Duration = time.Since(began)
				return t, err
			}
			t.Bytes += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			ex.Reject(rerr.Error())
			t.Duration = time.Since(began)
			return t, rerr
		}
	}

	// An empty chunk ends the data.
	if err := ex.Send(ctx, &protocol.FileData{Reference: ref}); err != nil {
		return t, err
	}
	m, err := ex.Recv(ctx)
	t.Duration = time.Since(began)
	if err != nil {
		return t, err
	}
	if _, ok := m.(*protocol.Success); !ok {
		return t, unexpected(m)
	}
	return t, nil
}

// UploadFile sends local to remote. With resume set, data already staged
// on the peer is kept and only the rest is sent.
func UploadFile(ctx context.Context, s Opener, local, remote string, resume bool) (Transfer, error) {
	f, err := os.Open(local)
	if err != nil {
		return Transfer{}, err
	}
	defer f.Close()

	var offset *uint64
	if resume {
		info, err := f.Stat()
		if err != nil {
			return Transfer{}, err
		}
		if st, err := Stat(ctx, s, remote+PartialSuffix); err == nil && st.IsFile && int64(st.Len) <= info.Size() {
			off := st.Len
			if _, err := f.Seek(int64(off), io.SeekStart); err != nil {
				return Transfer{}, err
			}
			offset = &off
		}
	}
	return Upload(ctx, s, f, remote, offset)
}

// RemoteName picks the remote path for an upload of local when none is
// given.
func RemoteName(local string) string {
	return filepath.Base(local)
}

// Stat returns the metadata of a remote path.
func Stat(ctx context.Context, s Opener, path string) (*protocol.StatResult, error) {
	ex, err := s.Open(ctx, &protocol.StatRequest{Path: path})
	if err != nil {
		return nil, err
	}
	m, err := ex.Recv(ctx)
	if err != nil {
		return nil, err
	}
	res, ok := m.(*protocol.StatResult)
	if !ok {
		return nil, unexpected(m)
	}
	return res, nil
}

// ReadDir returns every entry of a remote directory.
func ReadDir(ctx context.Context, s Opener, path string) ([]string, error) {
	ex, err := s.Open(ctx, &protocol.ReadDir{Path: path})
	if err != nil {
		return nil, err
	}
	for {
		m, err := ex.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return ex.Listing(), nil
		}
		if err != nil {
			return nil, err
		}
		if _, ok := m.(*protocol.ReadDirResult); !ok {
			return nil, unexpected(m)
		}
	}
}

// Hash returns the digest of a remote file or of bytes [start, end) of it.
func Hash(ctx context.Context, s Opener, path string, alg Algorithm, start, end *uint64) ([]byte, error) {
	ex, err := s.Open(ctx, &protocol.FileHashRequest{
		Path:          path,
		OffsetStart:   start,
		OffsetEnd:     end,
		HashAlgorithm: uint64(alg),
	})
	if err != nil {
		return nil, err
	}
	m, err := ex.Recv(ctx)
	if err != nil {
		return nil, err
	}
	res, ok := m.(*protocol.FileHashData)
	if !ok {
		return nil, unexpected(m)
	}
	return res.Digest, nil
}

// Truncate sets the length of a remote file.
func Truncate(ctx context.Context, s Opener, path string, length uint64) error {
	ex, err := s.Open(ctx, &protocol.FileTruncateRequest{Path: path, Len: length})
	if err != nil {
		return err
	}
	m, err := ex.Recv(ctx)
	if err != nil {
		return err
	}
	if _, ok := m.(*protocol.Success); !ok {
		return unexpected(m)
	}
	return expectEnd(ctx, ex)
}
