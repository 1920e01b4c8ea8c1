// Package stamp detects file changes from metadata snapshots so that
// unchanged files do not have to be re-hashed between runs.
package stamp

import "fmt"

// Stamp is a snapshot of file metadata used to detect changes more
// reliably than naive mtime comparisons.
//
// Inspired by https://apenwarr.ca/log/20181113
type Stamp struct {
	MTimeUnixNano int64
	Size          int64
	Inode         uint64
	Mode          uint32
	UID           uint32
	GID           uint32
}

// Equal reports whether two stamps are identical.
func (s Stamp) Equal(o Stamp) bool {
	return s.MTimeUnixNano == o.MTimeUnixNano &&
		s.Size == o.Size &&
		s.Inode == o.Inode &&
		s.Mode == o.Mode &&
		s.UID == o.UID &&
		s.GID == o.GID
}

func (s Stamp) String() string {
	return fmt.Sprintf("mtime=%d size=%d inode=%d mode=%o uid=%d gid=%d",
		s.MTimeUnixNano, s.Size, s.Inode, s.Mode, s.UID, s.GID,
	)
}
