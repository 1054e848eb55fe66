package filetransfer

import (
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/postalsys/oxy/internal/protocol"
)

// statFile describes path, following symlinks.
func statFile(path string) (*protocol.StatResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	mtime := info.ModTime()
	res := &protocol.StatResult{
		Len:              uint64(info.Size()),
		IsDir:            info.IsDir(),
		IsFile:           info.Mode().IsRegular(),
		OctalPermissions: octalPermissions(info.Mode()),
		Mtime:            &mtime,
	}
	if info.IsDir() {
		res.Len = 0
	}
	fillOwnership(path, res)
	return res, nil
}

// octalPermissions renders a mode the way chmod takes it, including the
// setuid, setgid and sticky bits.
func octalPermissions(m os.FileMode) uint16 {
	perm := uint16(m.Perm())
	if m&os.ModeSetuid != 0 {
		perm |= 0o4000
	}
	if m&os.ModeSetgid != 0 {
		perm |= 0o2000
	}
	if m&os.ModeSticky != 0 {
		perm |= 0o1000
	}
	return perm
}

func ownerName(uid uint32) string {
	id := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(id); err == nil {
		return wireString(u.Username)
	}
	return id
}

func groupName(gid uint32) string {
	id := strconv.FormatUint(uint64(gid), 10)
	if g, err := user.LookupGroupId(id); err == nil {
		return wireString(g.Name)
	}
	return id
}

// wireString replaces invalid UTF-8 in names read from the system, which
// the protocol cannot carry.
func wireString(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

func timePtr(sec, nsec int64) *time.Time {
	t := time.Unix(sec, nsec)
	return &t
}
