package pipelinecache

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
)

func TestLoadDiskBlobRoundTrip(t *testing.T) {
	body := []byte("driver pipeline cache bytes")
	header := make([]byte, diskHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], diskCacheMagic)
	binary.LittleEndian.PutUint32(header[4:8], diskCacheVersion)
	binary.LittleEndian.PutUint64(header[8:16], xxhash.Sum64(body))

	path := filepath.Join(t.TempDir(), "pipeline.cache")
	if err := os.WriteFile(path, append(header, body...), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got := loadDiskBlob(path)
	if string(got) != string(body) {
		t.Fatalf("loadDiskBlob() = %q, want %q", got, body)
	}
}

func TestLoadDiskBlobRejectsCorruptHash(t *testing.T) {
	body := []byte("driver pipeline cache bytes")
	header := make([]byte, diskHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], diskCacheMagic)
	binary.LittleEndian.PutUint32(header[4:8], diskCacheVersion)
	binary.LittleEndian.PutUint64(header[8:16], xxhash.Sum64(body)+1) // wrong hash

	path := filepath.Join(t.TempDir(), "pipeline.cache")
	if err := os.WriteFile(path, append(header, body...), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if got := loadDiskBlob(path); got != nil {
		t.Fatalf("loadDiskBlob() with corrupt hash = %v, want nil", got)
	}
}

func TestLoadDiskBlobRejectsVersionMismatch(t *testing.T) {
	body := []byte("driver pipeline cache bytes")
	header := make([]byte, diskHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], diskCacheMagic)
	binary.LittleEndian.PutUint32(header[4:8], diskCacheVersion+1)
	binary.LittleEndian.PutUint64(header[8:16], xxhash.Sum64(body))

	path := filepath.Join(t.TempDir(), "pipeline.cache")
	if err := os.WriteFile(path, append(header, body...), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if got := loadDiskBlob(path); got != nil {
		t.Fatalf("loadDiskBlob() with version mismatch = %v, want nil", got)
	}
}

func TestLoadDiskBlobMissingFile(t *testing.T) {
	if got := loadDiskBlob(filepath.Join(t.TempDir(), "nope.cache")); got != nil {
		t.Fatalf("loadDiskBlob() for missing file = %v, want nil", got)
	}
}
