package filetransfer

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Algorithm is the hash_algorithm field of a FileHashRequest.
type Algorithm uint64

const (
	SHA256 Algorithm = iota
	SHA512
	BLAKE2b512
	MD5
)

var algorithmNames = map[Algorithm]string{
	SHA256:     "sha256",
	SHA512:     "sha512",
	BLAKE2b512: "blake2b",
	MD5:        "md5",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("algorithm(%d)", uint64(a))
}

// ParseAlgorithm maps a name as accepted by the hash metacommand.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "")) {
	case "sha256":
		return SHA256, nil
	case "sha512":
		return SHA512, nil
	case "blake2b", "blake2b512":
		return BLAKE2b512, nil
	case "md5":
		return MD5, nil
	}
	return 0, fmt.Errorf("unknown hash algorithm %q (expected sha256, sha512, blake2b or md5)", name)
}

// New returns a fresh hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE2b512:
		return blake2b.New512(nil)
	case MD5:
		return md5.New(), nil
	}
	return nil, fmt.Errorf("unsupported hash algorithm %d", uint64(a))
}
