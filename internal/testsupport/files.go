package testsupport

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
)

// WriteShard writes a stand-in payload for an opaque dataset file such as a
// video shard or frame table. The bytes derive from the file's base name, so
// rebuilding a fixture yields identical content (archives of it stay
// byte-reproducible) while differently named shards stay distinct. A size
// <= 0 writes a single byte.
func WriteShard(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}

	seed := sha256.Sum256([]byte(filepath.Base(path)))
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = seed[i%len(seed)]
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
