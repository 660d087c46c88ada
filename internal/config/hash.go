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

// SidecarSuffix names the optional seal next to a config file. The seal uses
// b3sum's "<hex>  <name>" line format so it can be checked with b3sum -c.
const SidecarSuffix = ".b3"

// ErrIntegrity is returned by Load when a sealed config no longer matches
// its seal.
var ErrIntegrity = errors.New("config integrity check failed")

// Checksum returns the hex BLAKE3 digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Seal records the checksum of the config at path in path+SidecarSuffix and
// returns it.
func Seal(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}
	sum := Checksum(data)
	line := fmt.Sprintf("%s  %s\n", sum, filepath.Base(path))
	if err := os.WriteFile(path+SidecarSuffix, []byte(line), 0o600); err != nil {
		return "", fmt.Errorf("write seal: %w", err)
	}
	return sum, nil
}

// checkSeal compares data with the seal for path. A missing seal passes.
func checkSeal(path string, data []byte) error {
	raw, err := os.ReadFile(path + SidecarSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read seal: %w", err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return fmt.Errorf("%w: %s%s is empty", ErrIntegrity, path, SidecarSuffix)
	}
	want := strings.ToLower(fields[0])
	if got := Checksum(data); got != want {
		return fmt.Errorf("%w: %s is %s, sealed as %s\n"+
			"Hint: run 'pvfhost config check --write-hash' after intended edits",
			ErrIntegrity, filepath.Base(path), got[:12], want[:min(12, len(want))])
	}
	return nil
}
