//go:build linux

package filetransfer

import (
	"golang.org/x/sys/unix"

	"github.com/postalsys/oxy/internal/protocol"
)

func fillOwnership(path string, res *protocol.StatResult) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return
	}
	res.Owner = ownerName(st.Uid)
	res.Group = groupName(st.Gid)
	res.Atime = timePtr(st.Atim.Unix())
	res.Mtime = timePtr(st.Mtim.Unix())
	res.Ctime = timePtr(st.Ctim.Unix())
}
