//go:build windows

package stamp

import "os"

// Stat returns the stamp for path. Windows has no inode/uid/gid, so
// only mtime, size, and mode participate in change detection.
func Stat(path string) (Stamp, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Stamp{}, err
	}

	return Stamp{
		MTimeUnixNano: fi.ModTime().UnixNano(),
		Size:          fi.Size(),
		Mode:          uint32(fi.Mode()),
	}, nil
}
