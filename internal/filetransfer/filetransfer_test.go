package filetransfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/oxy/internal/protocol"
	"github.com/postalsys/oxy/internal/session"
	"github.com/postalsys/oxy/internal/session/sessiontest"
)

func serveFiles(t *testing.T, cfg Config) *session.Session {
	t.Helper()
	h := NewHandler(cfg, nil, nil)
	alice, _ := sessiontest.Pair(t, nil, session.HandlerFunc(func(ctx context.Context, ex *session.Exchange) {
		if !h.Serve(ctx, ex) {
			ex.Reject("operation not supported")
		}
	}))
	return alice
}

func randomFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func u64(v uint64) *uint64 { return &v }

func wantRejected(t *testing.T, err error, contains string) {
	t.Helper()
	note, ok := session.IsRejected(err)
	if !ok {
		t.Fatalf("expected rejection, got %v", err)
	}
	if !strings.Contains(note, contains) {
		t.Errorf("reject note = %q, want it to contain %q", note, contains)
	}
}

func TestDownload(t *testing.T) {
	dir := t.TempDir()
	path, data := randomFile(t, dir, "blob", 100*1024+17)
	s := serveFiles(t, DefaultConfig())
	ctx := sessiontest.Context(t)

	var buf bytes.Buffer
	tr, err := Download(ctx, s, path, &buf, nil, nil)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if tr.Bytes != int64(len(data)) {
		t.Errorf("Bytes = %d, want %d", tr.Bytes, len(data))
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Error("downloaded content differs")
	}
}

func TestDownloadRange(t *testing.T) {
	dir := t.TempDir()
	path, data := randomFile(t, dir, "blob", 4096)
	s := serveFiles(t, DefaultConfig())
	ctx := sessiontest.Context(t)

	tests := []struct {
		name       string
		start, end *uint64
		want       []byte
	}{
		{"middle", u64(10), u64(20), data[10:20]},
		{"from offset", u64(4000), nil, data[4000:]},
		{"up to offset", nil, u64(100), data[:100]},
		{"end past eof", u64(4090), u64(9999), data[4090:]},
		{"empty", u64(50), u64(50), []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if _, err := Download(ctx, s, path, &buf, tt.start, tt.end); err != nil {
				t.Fatalf("Download() error = %v", err)
			}
			if !bytes.Equal(buf.Bytes(), tt.want) {
				t.Errorf("got %d bytes, want %d", buf.Len(), len(tt.want))
			}
		})
	}
}

func TestDownloadRejections(t *testing.T) {
	dir := t.TempDir()
	path, _ := randomFile(t, dir, "blob", 10)
	s := serveFiles(t, DefaultConfig())
	ctx := sessiontest.Context(t)

	var buf bytes.Buffer
	_, err := Download(ctx, s, path, &buf, u64(11), nil)
	wantRejected(t, err, "beyond end of file")

	_, err = Download(ctx, s, filepath.Join(dir, "missing"), &buf, nil, nil)
	wantRejected(t, err, "no such file")

	_, err = Download(ctx, s, dir, &buf, nil, nil)
	wantRejected(t, err, "is a directory")
}

func TestDownloadFileResume(t *testing.T) {
	dir := t.TempDir()
	path, data := randomFile(t, dir, "blob", 50000)
	local := filepath.Join(dir, "copy")
	if err := os.WriteFile(local, data[:12345], 0644); err != nil {
		t.Fatal(err)
	}
	s := serveFiles(t, DefaultConfig())

	tr, err := DownloadFile(sessiontest.Context(t), s, path, local, true)
	if err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}
	if tr.Offset != 12345 || tr.Bytes != 50000-12345 {
		t.Errorf("transfer = %+v", tr)
	}
	got, _ := os.ReadFile(local)
	if !bytes.Equal(got, data) {
		t.Error("resumed download differs")
	}
}

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	local, data := randomFile(t, dir, "local", 70*1024)
	remote := filepath.Join(dir, "sub", "remote")
	s := serveFiles(t, DefaultConfig())

	tr, err := UploadFile(sessiontest.Context(t), s, local, remote, false)
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if tr.Bytes != int64(len(data)) {
		t.Errorf("Bytes = %d, want %d", tr.Bytes, len(data))
	}
	got, err := os.ReadFile(remote)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("uploaded content differs")
	}
	if _, err := os.Stat(remote + PartialSuffix); !os.IsNotExist(err) {
		t.Errorf("partial file left behind: %v", err)
	}
}

func TestUploadResume(t *testing.T) {
	dir := t.TempDir()
	local, data := randomFile(t, dir, "local", 40000)
	remote := filepath.Join(dir, "remote")
	// Stale bytes past the resume point are discarded.
	staged := append(append([]byte(nil), data[:1000]...), "garbage"...)
	if err := os.WriteFile(remote+PartialSuffix, staged, 0644); err != nil {
		t.Fatal(err)
	}
	s := serveFiles(t, DefaultConfig())
	ctx := sessiontest.Context(t)

	f, _ := os.Open(local)
	defer f.Close()
	if _, err := f.Seek(1000, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	tr, err := Upload(ctx, s, f, remote, u64(1000))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if tr.Offset != 1000 || tr.Bytes != 39000 {
		t.Errorf("transfer = %+v", tr)
	}
	got, _ := os.ReadFile(remote)
	if !bytes.Equal(got, data) {
		t.Error("resumed upload differs")
	}
}

func TestUploadFileResumeUsesStagedSize(t *testing.T) {
	dir := t.TempDir()
	local, data := randomFile(t, dir, "local", 30000)
	remote := filepath.Join(dir, "remote")
	if err := os.WriteFile(remote+PartialSuffix, data[:20000], 0644); err != nil {
		t.Fatal(err)
	}
	s := serveFiles(t, DefaultConfig())

	tr, err := UploadFile(sessiontest.Context(t), s, local, remote, true)
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if tr.Offset != 20000 || tr.Bytes != 10000 {
		t.Errorf("transfer = %+v", tr)
	}
	got, _ := os.ReadFile(remote)
	if !bytes.Equal(got, data) {
		t.Error("resumed upload differs")
	}
}

func TestUploadNamedFilepart(t *testing.T) {
	dir := t.TempDir()
	remote := filepath.Join(dir, "remote")
	s := serveFiles(t, DefaultConfig())
	ctx := sessiontest.Context(t)

	ex, err := s.Open(ctx, &protocol.UploadRequest{Path: remote, Filepart: "staging.tmp"})
	if err != nil {
		t.Fatal(err)
	}
	ref := ex.Reference()
	if err := ex.Send(ctx, &protocol.FileData{Reference: ref, Data: []byte("hello")}); err != nil {
		t.Fatal(err)
	}
	if err := ex.Send(ctx, &protocol.FileData{Reference: ref}); err != nil {
		t.Fatal(err)
	}
	m, err := ex.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if _, ok := m.(*protocol.Success); !ok {
		t.Fatalf("got %s, want Success", protocol.TypeName(m.Type()))
	}
	if _, err := os.Stat(filepath.Join(dir, "staging.tmp")); !os.IsNotExist(err) {
		t.Errorf("staging file left behind: %v", err)
	}
	got, _ := os.ReadFile(remote)
	if string(got) != "hello" {
		t.Errorf("content = %q", got)
	}
}

func TestUploadRejections(t *testing.T) {
	dir := t.TempDir()
	remote := filepath.Join(dir, "remote")
	ctx := sessiontest.Context(t)

	s := serveFiles(t, Config{Enabled: true, MaxUpload: 1000})
	_, err := Upload(ctx, s, bytes.NewReader(make([]byte, 1001)), remote, nil)
	wantRejected(t, err, "exceeds limit")
	if _, err := os.Stat(remote); !os.IsNotExist(err) {
		t.Error("oversized upload was finalized")
	}

	_, err = Upload(ctx, s, bytes.NewReader([]byte("x")), filepath.Join(dir, "other"), u64(500))
	wantRejected(t, err, "resume offset beyond partial data")
}

func TestStat(t *testing.T) {
	dir := t.TempDir()
	path, _ := randomFile(t, dir, "blob", 321)
	if err := os.Chmod(path, 0640); err != nil {
		t.Fatal(err)
	}
	s := serveFiles(t, DefaultConfig())
	ctx := sessiontest.Context(t)

	res, err := Stat(ctx, s, path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if res.Len != 321 || !res.IsFile || res.IsDir {
		t.Errorf("result = %+v", res)
	}
	if res.OctalPermissions != 0o640 {
		t.Errorf("OctalPermissions = %o, want 640", res.OctalPermissions)
	}
	if res.Mtime == nil || time.Since(*res.Mtime) > time.Hour {
		t.Errorf("Mtime = %v", res.Mtime)
	}
	if runtime.GOOS == "linux" && (res.Owner == "" || res.Group == "" || res.Atime == nil || res.Ctime == nil) {
		t.Errorf("ownership not filled: %+v", res)
	}

	res, err = Stat(ctx, s, dir)
	if err != nil {
		t.Fatalf("Stat(dir) error = %v", err)
	}
	if !res.IsDir || res.IsFile {
		t.Errorf("dir result = %+v", res)
	}
}

func TestReadDirBatches(t *testing.T) {
	dir := t.TempDir()
	const files = readDirBatch*2 + 10
	for i := 0; i < files; i++ {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%04d", i)), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested"), 0755); err != nil {
		t.Fatal(err)
	}
	s := serveFiles(t, DefaultConfig())

	names, err := ReadDir(sessiontest.Context(t), s, dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(names) != files+1 {
		t.Fatalf("got %d entries, want %d", len(names), files+1)
	}
	var sawDir bool
	for _, n := range names {
		if n == "nested/" {
			sawDir = true
		}
	}
	if !sawDir {
		t.Error("directory entry missing trailing slash")
	}
}

func TestReadDirEmpty(t *testing.T) {
	s := serveFiles(t, DefaultConfig())
	names, err := ReadDir(sessiontest.Context(t), s, t.TempDir())
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(names) != 0 {
		t.Errorf("names = %v", names)
	}
}

func TestReadDirNameNotUTF8(t *testing.T) {
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		t.Skip("file system requires UTF-8 names")
	}
	dir := t.TempDir()
	for _, name := range []string{"good", "bad\xff"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	s := serveFiles(t, DefaultConfig())

	names, err := ReadDir(sessiontest.Context(t), s, dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	got := map[string]bool{}
	for _, n := range names {
		got[n] = true
	}
	if len(names) != 2 || !got["good"] || !got["bad\uFFFD"] {
		t.Errorf("names = %q, want good and bad\uFFFD", names)
	}
}

func TestWireString(t *testing.T) {
	if got := wireString("root"); got != "root" {
		t.Errorf("wireString(root) = %q", got)
	}
	if got := wireString("st\xffaff"); got != "st\uFFFDaff" {
		t.Errorf("wireString = %q", got)
	}
}

func TestHash(t *testing.T) {
	dir := t.TempDir()
	path, data := randomFile(t, dir, "blob", 20000)
	s := serveFiles(t, DefaultConfig())
	ctx := sessiontest.Context(t)

	for _, alg := range []Algorithm{SHA256, SHA512, BLAKE2b512, MD5} {
		t.Run(alg.String(), func(t *testing.T) {
			h, err := alg.New()
			if err != nil {
				t.Fatal(err)
			}
			h.Write(data)
			want := h.Sum(nil)

			got, err := Hash(ctx, s, path, alg, nil, nil)
			if err != nil {
				t.Fatalf("Hash() error = %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("digest = %s, want %s", hex.EncodeToString(got), hex.EncodeToString(want))
			}
		})
	}

	want := sha256.Sum256(data[100:200])
	got, err := Hash(ctx, s, path, SHA256, u64(100), u64(200))
	if err != nil {
		t.Fatalf("Hash(range) error = %v", err)
	}
	if !bytes.Equal(got, want[:]) {
		t.Error("range digest differs")
	}

	_, err = Hash(ctx, s, path, Algorithm(9), nil, nil)
	wantRejected(t, err, "unsupported hash algorithm")
}

func TestTruncate(t *testing.T) {
	dir := t.TempDir()
	path, _ := randomFile(t, dir, "blob", 1000)
	s := serveFiles(t, DefaultConfig())
	ctx := sessiontest.Context(t)

	for _, size := range []uint64{10, 2000} {
		if err := Truncate(ctx, s, path, size); err != nil {
			t.Fatalf("Truncate(%d) error = %v", size, err)
		}
		info, _ := os.Stat(path)
		if uint64(info.Size()) != size {
			t.Errorf("size = %d, want %d", info.Size(), size)
		}
	}

	err := Truncate(ctx, s, filepath.Join(dir, "missing"), 1)
	wantRejected(t, err, "no such file")
}

func TestAccessControl(t *testing.T) {
	dir := t.TempDir()
	allowed := filepath.Join(dir, "allowed")
	os.Mkdir(allowed, 0755)
	inside, _ := randomFile(t, allowed, "ok", 10)
	outside, _ := randomFile(t, dir, "secret", 10)
	ctx := sessiontest.Context(t)

	s := serveFiles(t, Config{Enabled: true, AllowedPaths: []string{allowed}})
	if _, err := Stat(ctx, s, inside); err != nil {
		t.Errorf("Stat(inside) error = %v", err)
	}
	_, err := Stat(ctx, s, outside)
	wantRejected(t, err, "not in allowed list")
	_, err = Stat(ctx, s, allowed+"/../secret")
	wantRejected(t, err, "not in allowed list")

	off := serveFiles(t, Config{})
	_, err = Stat(ctx, off, inside)
	wantRejected(t, err, ErrDisabled.Error())
}

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		allowed []string
		want    string
		wantErr bool
	}{
		{"unrestricted", "/etc/hosts", nil, "/etc/hosts", false},
		{"cleaned", "/tmp/a/../b", nil, "/tmp/b", false},
		{"empty", "", nil, "", true},
		{"nul byte", "/tmp/a\x00b", nil, "", true},
		{"control char", "/tmp/a\x1bb", nil, "", true},
		{"prefix", "/srv/data/x", []string{"/srv/data"}, "/srv/data/x", false},
		{"prefix itself", "/srv/data", []string{"/srv/data"}, "/srv/data", false},
		{"sibling prefix", "/srv/database", []string{"/srv/data"}, "", true},
		{"traversal out", "/srv/data/../etc", []string{"/srv/data"}, "", true},
		{"recursive glob", "/srv/a/b/c", []string{"/srv/**"}, "/srv/a/b/c", false},
		{"glob", "/home/bob/uploads/f", []string{"/home/*/uploads"}, "/home/bob/uploads/f", false},
		{"glob miss", "/home/bob/docs/f", []string{"/home/*/uploads"}, "", true},
		{"wildcard", "/anything", []string{"*"}, "/anything", false},
		{"nfc", "/srv/café", []string{"/srv/café"}, "/srv/café", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolvePath(tt.path, tt.allowed)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolvePath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("resolvePath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPartialPath(t *testing.T) {
	tests := []struct {
		path, filepart, want string
	}{
		{"/srv/f", "", "/srv/f.part"},
		{"/srv/f", "f.tmp", "/srv/f.tmp"},
		{"/srv/f", "/var/tmp/x", "/var/tmp/x"},
	}
	for _, tt := range tests {
		if got := PartialPath(tt.path, tt.filepart); got != tt.want {
			t.Errorf("PartialPath(%q, %q) = %q, want %q", tt.path, tt.filepart, got, tt.want)
		}
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"sha256", SHA256, false},
		{"SHA-512", SHA512, false},
		{"blake2b", BLAKE2b512, false},
		{"md5", MD5, false},
		{"crc32", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseAlgorithm(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAlgorithm(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAlgorithm(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRateLimitedReader(t *testing.T) {
	data := make([]byte, 48*1024)
	r := NewRateLimitedReader(context.Background(), bytes.NewReader(data), 64*1024)

	start := time.Now()
	var got bytes.Buffer
	if _, err := got.ReadFrom(r); err != nil {
		t.Fatal(err)
	}
	// The first burst is free; the remaining 32 KiB take about 500ms.
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("read finished in %v, expected throttling", elapsed)
	}
	if got.Len() != len(data) {
		t.Errorf("read %d bytes, want %d", got.Len(), len(data))
	}
}

func TestRateLimitedWriterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	w := NewRateLimitedWriter(ctx, &buf, 1024)
	cancel()
	if _, err := w.Write([]byte("x")); err == nil {
		t.Error("Write() after cancel succeeded")
	}
}

func TestTransferString(t *testing.T) {
	tr := Transfer{Bytes: 2_000_000, Duration: 2 * time.Second}
	if got := tr.String(); got != "2.0 MB in 2s (1.0 MB/s)" {
		t.Errorf("String() = %q", got)
	}
	tr.Offset = 1000
	if got := tr.String(); !strings.HasSuffix(got, ", resumed at 1.0 kB") {
		t.Errorf("String() = %q", got)
	}
}
