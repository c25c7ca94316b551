package application

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// imageDigest accumulates the digests a firmware checksum may be expressed in.
type imageDigest struct {
	sha    hash.Hash
	blake  *blake3.Hasher
	writer io.Writer
}

func newImageDigest() *imageDigest {
	d := &imageDigest{sha: sha256.New(), blake: blake3.New()}
	d.writer = io.MultiWriter(d.sha, d.blake)
	return d
}

func (d *imageDigest) Write(p []byte) (int, error) { return d.writer.Write(p) }

func (d *imageDigest) Sum() ImageDigest {
	var out ImageDigest
	copy(out.SHA256[:], d.sha.Sum(nil))
	copy(out.BLAKE3[:], d.blake.Sum(nil))
	return out
}

type ImageDigest struct {
	SHA256 [32]byte
	BLAKE3 [32]byte
}

// parseChecksum accepts "sha256:<hex>", "blake3:<hex>" or a bare sha256 hex.
func parseChecksum(s string) (algo string, sum []byte, err error) {
	algo, value, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		algo, value = "sha256", algo
	}
	algo = strings.ToLower(algo)
	if algo != "sha256" && algo != "blake3" {
		return "", nil, fmt.Errorf("%w: algorithm %q", ErrUnsupportedCheck, algo)
	}
	sum, err = hex.DecodeString(value)
	if err != nil || len(sum) != 32 {
		return "", nil, fmt.Errorf("%w: malformed %s digest", ErrUnsupportedCheck, algo)
	}
	return algo, sum, nil
}

func verifyImage(req UpdateRequest, size int64, digest ImageDigest, requireChecksum bool) error {
	if size == 0 {
		return fmt.Errorf("image is empty")
	}
	if req.Size > 0 && req.Size != size {
		return fmt.Errorf("size mismatch: expected %d, got %d", req.Size, size)
	}

	if req.Checksum == "" {
		if requireChecksum {
			return fmt.Errorf("checksum required")
		}
		return nil
	}

	algo, want, err := parseChecksum(req.Checksum)
	if err != nil {
		return err
	}
	got := digest.SHA256[:]
	if algo == "blake3" {
		got = digest.BLAKE3[:]
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return fmt.Errorf("%s mismatch: expected %x, got %x", algo, want, got)
	}
	return nil
}
