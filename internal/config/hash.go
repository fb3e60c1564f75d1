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

// SidecarSuffix is appended to a config path to locate its expected hash.
const SidecarSuffix = ".b3"

// Fingerprint returns the hex BLAKE3 hash of data.
func Fingerprint(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return Fingerprint(data), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}
	return nil
}

// VerifySidecar checks data against the hash stored in configPath+".b3".
// A missing sidecar is not an error.
func VerifySidecar(configPath string, data []byte) error {
	raw, err := os.ReadFile(configPath + SidecarSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config hash: %w", err)
	}

	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return fmt.Errorf("config hash file %s is empty", configPath+SidecarSuffix)
	}
	expected := fields[0]
	if actual := Fingerprint(data); actual != expected {
		return fmt.Errorf("config verification failed for %s: expected %s, got %s\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: tesgw config hash --write --config %s",
			filepath.Base(configPath), expected, actual, configPath)
	}
	return nil
}

// WriteSidecar stores the current hash of configPath next to it and returns the hash.
func WriteSidecar(configPath string) (string, error) {
	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(configPath+SidecarSuffix, []byte(hash+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write config hash: %w", err)
	}
	return hash, nil
}
