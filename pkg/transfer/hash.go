package transfer

import (
	"crypto/md5"
	"fmt"
	"hash"
	"io"
	"os"

	sha256 "github.com/minio/sha256-simd"
)

// Hasher names a content hash and creates its state.
type Hasher interface {
	Name() string
	New() hash.Hash
}

type hasher struct {
	name string
	new  func() hash.Hash
}

func (h hasher) Name() string   { return h.name }
func (h hasher) New() hash.Hash { return h.new() }

var (
	// MD5 is the default content hash of the transfer protocol.
	MD5 Hasher = hasher{name: "md5", new: md5.New}
	// SHA256 uses the SIMD-accelerated implementation where available.
	SHA256 Hasher = hasher{name: "sha256", new: sha256.New}
)

// HasherByName returns the hasher called name. An empty name selects MD5.
func HasherByName(name string) (Hasher, error) {
	switch name {
	case "", "md5":
		return MD5, nil
	case "sha256":
		return SHA256, nil
	default:
		return nil, fmt.Errorf("transfer: unknown hash %q", name)
	}
}

// HashFile returns the digest of the file at path.
func HashFile(h Hasher, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return hashReader(h, f)
}

func hashReader(h Hasher, r io.Reader) ([]byte, error) {
	state := h.New()
	if _, err := io.Copy(state, r); err != nil {
		return nil, err
	}
	return state.Sum(nil), nil
}
