// Package filetransfer serves and drives the file exchanges of a session:
// download, upload, stat, directory listing, hashing and truncation.
package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/postalsys/oxy/internal/logging"
	"github.com/postalsys/oxy/internal/metrics"
	"github.com/postalsys/oxy/internal/protocol"
	"github.com/postalsys/oxy/internal/session"
)

// readDirBatch is the number of entries per ReadDirResult.
const readDirBatch = 256

// ErrDisabled is the reject note cause when file access is switched off.
var ErrDisabled = errors.New("file access is disabled")

// Config controls what the peer may do with local files.
type Config struct {
	Enabled bool

	// AllowedPaths restricts access to these prefixes or globs. Empty
	// allows every path.
	AllowedPaths []string

	// RateLimit caps download and upload throughput in bytes per second.
	// Zero is unlimited.
	RateLimit int64

	// MaxUpload caps the final size of an uploaded file. Zero is
	// unlimited.
	MaxUpload int64
}

// DefaultConfig returns an enabled, unrestricted configuration.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// Handler serves file exchanges.
type Handler struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHandler creates a new file handler. m may be nil.
func NewHandler(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{
		cfg:     cfg,
		metrics: m,
		logger:  logging.Component(logger, "files"),
	}
}

// Serve handles ex if it is a file exchange and reports whether it did.
func (h *Handler) Serve(ctx context.Context, ex *session.Exchange) bool {
	switch ex.Kind() {
	case session.KindDownload:
		h.ServeDownload(ctx, ex)
	case session.KindUpload:
		h.ServeUpload(ctx, ex)
	case session.KindStat:
		h.ServeStat(ctx, ex)
	case session.KindReadDir:
		h.ServeReadDir(ctx, ex)
	case session.KindFileHash:
		h.ServeHash(ctx, ex)
	case session.KindTruncate:
		h.ServeTruncate(ctx, ex)
	default:
		return false
	}
	return true
}

func (h *Handler) resolve(path string) (string, error) {
	if !h.cfg.Enabled {
		return "", ErrDisabled
	}
	return resolvePath(path, h.cfg.AllowedPaths)
}

func (h *Handler) recordTransfer(direction string, n int64) {
	if h.metrics != nil && n > 0 {
		h.metrics.RecordTransfer(direction, int(n))
	}
}

// exchangeContext is cancelled once ex ends.
func exchangeContext(ctx context.Context, ex *session.Exchange) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-ex.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// openRange opens path for reading from start up to end. Nil bounds mean the
// start and end of the file; end is clamped to the file size.
func openRange(path string, start, end *uint64) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%s is a directory", path)
	}

	size := uint64(info.Size())
	from, to := uint64(0), size
	if start != nil {
		from = *start
	}
	if end != nil && *end < to {
		to = *end
	}
	if from > size {
		f.Close()
		return nil, 0, fmt.Errorf("offset %d beyond end of file (%d bytes)", from, size)
	}
	if to < from {
		f.Close()
		return nil, 0, fmt.Errorf("invalid range %d-%d", from, to)
	}
	if _, err := f.Seek(int64(from), io.SeekStart); err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, int64(to - from), nil
}

// ServeDownload streams the requested range of a file as FileData chunks
// and ends with Success.
func (h *Handler) ServeDownload(ctx context.Context, ex *session.Exchange) {
	req := ex.Opener().(*protocol.DownloadRequest)
	ref := ex.Reference()
	logger := h.logger.With(logging.KeyReference, ref, logging.KeyPath, req.Path)

	path, err := h.resolve(req.Path)
	if err != nil {
		ex.Reject(err.Error())
		return
	}
	f, n, err := openRange(path, req.OffsetStart, req.OffsetEnd)
	if err != nil {
		ex.Reject(err.Error())
		return
	}
	defer f.Close()

	ctx, cancel := exchangeContext(ctx, ex)
	defer cancel()

	start := time.Now()
	r := NewRateLimitedReader(ctx, io.LimitReader(f, n), h.cfg.RateLimit)
	var sent int64
	buf := make([]byte, protocol.MaxChunkSize)
	for {
		k, rerr := io.ReadFull(r, buf)
		if k > 0 {
			chunk := append([]byte(nil), buf[:k]...)
			if err := ex.Send(ctx, &protocol.FileData{Reference: ref, Data: chunk}); err != nil {
				logger.Debug("download aborted", logging.KeyError, err, logging.KeyBytes, sent)
				h.recordTransfer("download", sent)
				return
			}
			sent += int64(k)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			ex.Reject(rerr.Error())
			h.recordTransfer("download", sent)
			return
		}
	}

	h.recordTransfer("download", sent)
	logger.Debug("download complete", logging.KeyBytes, sent, logging.KeyDuration, time.Since(start))
	ex.Send(ctx, &protocol.Success{Reference: ref})
}

// ServeUpload writes FileData chunks to the staging file until an empty
// chunk, then moves it into place and replies Success. An aborted upload
// leaves the staging file for a later resume.
func (h *Handler) ServeUpload(ctx context.Context, ex *session.Exchange) {
	req := ex.Opener().(*protocol.UploadRequest)
	ref := ex.Reference()
	logger := h.logger.With(logging.KeyReference, ref, logging.KeyPath, req.Path)

	path, err := h.resolve(req.Path)
	if err != nil {
		ex.Reject(err.Error())
		return
	}
	partPath := PartialPath(path, req.Filepart)
	if req.Filepart != "" {
		if partPath, err = h.resolve(partPath); err != nil {
			ex.Reject(err.Error())
			return
		}
	}

	var offset int64
	if req.OffsetStart != nil {
		if *req.OffsetStart > math.MaxInt64 {
			ex.Reject("offset out of range")
			return
		}
		offset = int64(*req.OffsetStart)
	}
	if h.cfg.MaxUpload > 0 && offset > h.cfg.MaxUpload {
		ex.Reject(fmt.Sprintf("upload exceeds limit of %d bytes", h.cfg.MaxUpload))
		return
	}

	f, err := OpenPartial(partPath, req.OffsetStart)
	if err != nil {
		ex.Reject(err.Error())
		return
	}

	ctx, cancel := exchangeContext(ctx, ex)
	defer cancel()

	start := time.Now()
	w := NewRateLimitedWriter(ctx, f, h.cfg.RateLimit)
	total := offset
	var received int64
	for {
		m, err := ex.Recv(ctx)
		if err != nil {
			f.Close()
			h.recordTransfer("upload", received)
			logger.Debug("upload aborted", logging.KeyError, err, logging.KeyBytes, received)
			return
		}
		data, ok := m.(*protocol.FileData)
		if !ok {
			continue
		}
		if len(data.Data) == 0 {
			break
		}
		if h.cfg.MaxUpload > 0 && total+int64(len(data.Data)) > h.cfg.MaxUpload {
			f.Close()
			h.recordTransfer("upload", received)
			ex.Reject(fmt.Sprintf("upload exceeds limit of %d bytes", h.cfg.MaxUpload))
			return
		}
		if _, err := w.Write(data.Data); err != nil {
			f.Close()
			h.recordTransfer("upload", received)
			ex.Reject(err.Error())
			return
		}
		total += int64(len(data.Data))
		received += int64(len(data.Data))
	}

	h.recordTransfer("upload", received)
	if err := f.Close(); err != nil {
		ex.Reject(err.Error())
		return
	}
	if err := FinalizePartial(partPath, path); err != nil {
		ex.Reject(err.Error())
		return
	}
	logger.Debug("upload complete", logging.KeyBytes, total, logging.KeyDuration, time.Since(start))
	ex.Send(ctx, &protocol.Success{Reference: ref})
}

// ServeStat answers with the metadata of a path.
func (h *Handler) ServeStat(ctx context.Context, ex *session.Exchange) {
	req := ex.Opener().(*protocol.StatRequest)
	path, err := h.resolve(req.Path)
	if err != nil {
		ex.Reject(err.Error())
		return
	}
	res, err := statFile(path)
	if err != nil {
		ex.Reject(err.Error())
		return
	}
	res.Reference = ex.Reference()
	ex.Send(ctx, res)
}

// ServeReadDir lists a directory in batches. Directory names carry a
// trailing slash; bytes that are not UTF-8 are replaced with U+FFFD.
func (h *Handler) ServeReadDir(ctx context.Context, ex *session.Exchange) {
	req := ex.Opener().(*protocol.ReadDir)
	ref := ex.Reference()

	path, err := h.resolve(req.Path)
	if err != nil {
		ex.Reject(err.Error())
		return
	}
	d, err := os.Open(path)
	if err != nil {
		ex.Reject(err.Error())
		return
	}
	defer d.Close()

	var count int
	for {
		entries, err := d.ReadDir(readDirBatch)
		if err == io.EOF {
			break
		}
		if err != nil {
			ex.Reject(err.Error())
			return
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := wireString(e.Name())
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		count += len(names)
		if err := ex.Send(ctx, &protocol.ReadDirResult{Reference: ref, Answers: names}); err != nil {
			return
		}
	}

	h.logger.Debug("directory listed", logging.KeyReference, ref, logging.KeyPath, path, logging.KeyCount, count)
	ex.Send(ctx, &protocol.ReadDirResult{Reference: ref, Complete: true})
}

// ServeHash answers with the digest of a file or a byte range of it.
func (h *Handler) ServeHash(ctx context.Context, ex *session.Exchange) {
	req := ex.Opener().(*protocol.FileHashRequest)

	path, err := h.resolve(req.Path)
	if err != nil {
		ex.Reject(err.Error())
		return
	}
	hash, err := Algorithm(req.HashAlgorithm).New()
	if err != nil {
		ex.Reject(err.Error())
		return
	}
	f, n, err := openRange(path, req.OffsetStart, req.OffsetEnd)
	if err != nil {
		ex.Reject(err.Error())
		return
	}
	defer f.Close()

	ctx, cancel := exchangeContext(ctx, ex)
	defer cancel()

	if _, err := io.Copy(hash, NewRateLimitedReader(ctx, io.LimitReader(f, n), 0)); err != nil {
		ex.Reject(err.Error())
		return
	}
	ex.Send(ctx, &protocol.FileHashData{Reference: ex.Reference(), Digest: hash.Sum(nil)})
}

// ServeTruncate truncates or extends a file.
func (h *Handler) ServeTruncate(ctx context.Context, ex *session.Exchange) {
	req := ex.Opener().(*protocol.FileTruncateRequest)

	path, err := h.resolve(req.Path)
	if err != nil {
		ex.Reject(err.Error())
		return
	}
	if req.Len > math.MaxInt64 {
		ex.Reject("length out of range")
		return
	}
	if err := os.Truncate(path, int64(req.Len)); err != nil {
		ex.Reject(err.Error())
		return
	}
	ex.Send(ctx, &protocol.Success{Reference: ex.Reference()})
}
