// Package util holds small helpers shared across the detector engines:
// fixed-size byte keys for the cuckoo table, path handling, and file
// existence checks used by config loading.
package util

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

var (
	ErrInvalidPath = errors.New("path cannot be empty string")

	ErrFileDoesNotExist = errors.New("file does not exist")
	ErrFileIsEmpty      = errors.New("file is empty")
	ErrPathIsDir        = errors.New("given path is a directory, not a file")
)

// FixedString is a fixed 16-byte key, used to key the cuckoo hash table on
// IPv6-mapped addresses and on 128-bit hash fingerprints (call-ID hashes,
// user-agent hashes) without heap-allocating a []byte per lookup.
type FixedString struct {
	Data [16]byte
}

// NewFixedStringFromIP packs an IPv4 or IPv6 address into a FixedString,
// always stored in its 16-byte (IPv4-in-IPv6) form so that both address
// families share one cuckoo-table key space, per spec's "16-byte addresses
// with an IPv4-flag bit" record field.
func NewFixedStringFromIP(ip net.IP) FixedString {
	var fs FixedString
	copy(fs.Data[:], ip.To16())
	return fs
}

// NewFixedStringFromHex decodes a hex string into a FixedString, truncating
// or zero-padding to 16 bytes.
func NewFixedStringFromHex(h string) (FixedString, error) {
	if h == "" {
		return FixedString{}, errors.New("hex string is empty")
	}
	data, err := hex.DecodeString(h)
	if err != nil {
		return FixedString{}, fmt.Errorf("error decoding hex string: %w", err)
	}
	var fs FixedString
	copy(fs.Data[:], data)
	return fs, nil
}

func (fs FixedString) Hex() string {
	return strings.ToUpper(hex.EncodeToString(fs.Data[:]))
}

func (fs FixedString) IP() net.IP {
	return net.IP(fs.Data[:])
}

// ParseRelativePath resolves "~/" and "."-prefixed paths against the home
// or working directory; any other path is returned unchanged.
func ParseRelativePath(dir string) (string, error) {
	if dir == "" {
		return "", ErrInvalidPath
	}

	switch {
	case strings.HasPrefix(dir, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, dir[2:]), nil
	case strings.HasPrefix(dir, "."):
		currentDir, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(currentDir, dir), nil
	default:
		return dir, nil
	}
}

// ValidateFile returns an error unless path exists, is a regular file, and
// is non-empty.
func ValidateFile(afs afero.Fs, path string) error {
	if afs == nil {
		return errors.New("filesystem is nil")
	}
	if path == "" {
		return ErrInvalidPath
	}

	exists, err := afero.Exists(afs, path)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrFileDoesNotExist, path)
	}

	isDir, err := afero.IsDir(afs, path)
	if err != nil {
		return err
	}
	if isDir {
		return fmt.Errorf("%w: %s", ErrPathIsDir, path)
	}

	isEmpty, err := afero.IsEmpty(afs, path)
	if err != nil {
		return err
	}
	if isEmpty {
		return fmt.Errorf("%w: %s", ErrFileIsEmpty, path)
	}

	return nil
}

// GetFileContents reads a file's contents after validating it exists and is
// non-empty.
func GetFileContents(afs afero.Fs, path string) ([]byte, error) {
	if err := ValidateFile(afs, path); err != nil {
		return nil, err
	}
	return afero.ReadFile(afs, path)
}
