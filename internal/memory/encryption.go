package memory

import (
	"fmt"
	"os"
	"strings"
)

const minKeyLength = 32

// ErrEncryptionRequired is returned by ProbeEncryptionKey when the caller
// requires an encrypted store but no usable key file is present.
var ErrEncryptionRequired = fmt.Errorf("encrypted memory store required but no usable key file found")

// ProbeEncryptionKey implements the startup key-file check from
// original_source/execution/joi/memory/store.py's load_encryption_key:
// the file must exist, have mode 0600 or stricter, and contain at least
// minKeyLength characters once trimmed. A missing file or unreadable
// contents return ("", nil) — "run unencrypted" is not an error. Insecure
// permissions or a too-short key return an error: those mean a key file is
// present but misconfigured, which should block startup rather than
// silently fall back. The caller combines the result with RequireEncryption
// to decide whether an empty key is fatal.
func ProbeEncryptionKey(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", nil
	}

	if mode := info.Mode().Perm(); mode&^0o600 != 0 {
		return "", fmt.Errorf("key file %s has insecure permissions %o (require 0600 or stricter)", path, mode)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil
	}

	key := strings.TrimSpace(string(raw))
	if key == "" {
		return "", nil
	}
	if len(key) < minKeyLength {
		return "", fmt.Errorf("encryption key in %s is shorter than the required %d characters", path, minKeyLength)
	}
	return key, nil
}

// RequireEncryption enforces spec §4.5's REQUIRE_ENCRYPTED startup check:
// if required is true and no key was found, startup must fail.
func RequireEncryption(required bool, key string) error {
	if required && key == "" {
		return ErrEncryptionRequired
	}
	return nil
}
