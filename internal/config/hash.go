package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// ChecksumFile is the integrity manifest stored next to config.yaml.
const ChecksumFile = ".checksums"

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// WriteChecksum records the BLAKE3 hash of configFile in the sibling .checksums file.
func WriteChecksum(configFile string) (string, error) {
	hash, err := ComputeBlake3Hash(configFile)
	if err != nil {
		return "", err
	}
	path := filepath.Join(filepath.Dir(configFile), ChecksumFile)
	line := fmt.Sprintf("%s  %s\n", hash, filepath.Base(configFile))
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		return "", fmt.Errorf("write checksum: %w", err)
	}
	return hash, nil
}

// VerifyChecksum checks configFile against the sibling .checksums file.
// A missing manifest is not an error; a missing entry or a mismatch is.
func VerifyChecksum(configFile string) error {
	path := filepath.Join(filepath.Dir(configFile), ChecksumFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checksum: %w", err)
	}

	name := filepath.Base(configFile)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[1] != name {
			continue
		}
		actual, err := ComputeBlake3Hash(configFile)
		if err != nil {
			return fmt.Errorf("failed to compute hash: %w", err)
		}
		if actual != fields[0] {
			return fmt.Errorf("hash mismatch for %s: expected %s, got %s", name, fields[0], actual)
		}
		return nil
	}
	return fmt.Errorf("%s has no entry for %s; run 'taskdock config lock'", path, name)
}
