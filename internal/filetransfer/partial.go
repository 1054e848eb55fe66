package filetransfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PartialSuffix names the file an upload is written to when the request
// carries no filepart.
const PartialSuffix = ".part"

// ErrResumeGap is returned when an upload asks to resume past the end of
// the data already received.
var ErrResumeGap = errors.New("resume offset beyond partial data")

// PartialPath returns the file an upload of path is staged in. A relative
// filepart is placed next to path.
func PartialPath(path, filepart string) string {
	if filepart == "" {
		return path + PartialSuffix
	}
	if filepath.IsAbs(filepart) {
		return filepath.Clean(filepart)
	}
	return filepath.Join(filepath.Dir(path), filepart)
}

// OpenPartial opens the staging file of an upload positioned at offset.
// A nil offset starts over. Otherwise bytes past offset are discarded and
// an offset past the end of the staged data fails with ErrResumeGap.
func OpenPartial(partPath string, offset *uint64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(partPath), 0755); err != nil {
		return nil, fmt.Errorf("create parent directories: %w", err)
	}

	if offset == nil {
		f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, fmt.Errorf("create partial file: %w", err)
		}
		return f, nil
	}

	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open partial file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if uint64(info.Size()) < *offset {
		f.Close()
		return nil, fmt.Errorf("%w: have %d bytes, asked for %d", ErrResumeGap, info.Size(), *offset)
	}
	if err := f.Truncate(int64(*offset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate partial file: %w", err)
	}
	if _, err := f.Seek(int64(*offset), io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// FinalizePartial moves a completed staging file into place. An existing
// destination keeps its permission bits.
func FinalizePartial(partPath, path string) error {
	if info, err := os.Stat(path); err == nil {
		if err := os.Chmod(partPath, info.Mode().Perm()); err != nil {
			return fmt.Errorf("set file mode: %w", err)
		}
	}
	if err := os.Rename(partPath, path); err != nil {
		return fmt.Errorf("rename partial to final: %w", err)
	}
	return nil
}

// PartialSize reports how many bytes are staged for an upload, or zero
// when nothing is.
func PartialSize(partPath string) (int64, error) {
	info, err := os.Stat(partPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}
