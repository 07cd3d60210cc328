//go:build unix

package fileutil

import "golang.org/x/sys/unix"

// FreeSpace reports the bytes available to an unprivileged writer on the
// filesystem holding path.
func FreeSpace(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
