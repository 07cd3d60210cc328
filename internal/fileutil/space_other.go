//go:build !unix

package fileutil

import "math"

// FreeSpace is unsupported on this platform; report unlimited so the
// precondition check never blocks.
func FreeSpace(path string) (int64, error) {
	return math.MaxInt64, nil
}
