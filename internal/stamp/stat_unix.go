//go:build !windows

package stamp

import (
	"os"
	"syscall"
)

// Stat returns the stamp for path. On Unix-like systems it includes
// inode, mode, uid, and gid.
func Stat(path string) (Stamp, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Stamp{}, err
	}

	s := Stamp{
		MTimeUnixNano: fi.ModTime().UnixNano(),
		Size:          fi.Size(),
		Mode:          uint32(fi.Mode()),
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok || st == nil {
		return s, nil
	}

	s.Inode = uint64(st.Ino)
	s.Mode = uint32(st.Mode)
	s.UID = uint32(st.Uid)
	s.GID = uint32(st.Gid)
	return s, nil
}
