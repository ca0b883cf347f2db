package sshconn

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/termrt/internal/logutil"
)

// defaultKeyNames are probed in order under ~/.ssh when Params carries no
// key path.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa", "id_dsa"}

// homeDir is swapped out by tests.
var homeDir = os.UserHomeDir

// DefaultKeyPaths returns the key files probed when no path is configured,
// in probe order.
func DefaultKeyPaths() []string {
	home, err := homeDir()
	if err != nil || home == "" {
		return nil
	}
	paths := make([]string, len(defaultKeyNames))
	for i, name := range defaultKeyNames {
		paths[i] = filepath.Join(home, ".ssh", name)
	}
	return paths
}

// ResolveKeyPath returns explicit if set, with a leading ~/ expanded,
// otherwise the first default key file that exists and is readable. Failing
// to find any key is a hard error.
func ResolveKeyPath(explicit string) (string, error) {
	if rest, ok := strings.CutPrefix(explicit, "~/"); ok {
		if home, err := homeDir(); err == nil && home != "" {
			return filepath.Join(home, rest), nil
		}
	}
	if explicit != "" {
		return explicit, nil
	}
	for _, p := range DefaultKeyPaths() {
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		f.Close()
		return p, nil
	}
	return "", ErrNoKey
}

// PassphraseFunc returns the passphrase for an encrypted private key, or ""
// when none is known.
type PassphraseFunc func(keyPath string) (string, error)

// LoadSigner reads and parses the private key at path. Encrypted keys are
// opened with the passphrase from pass when one is available.
func LoadSigner(path string, pass PassphraseFunc) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", logutil.SanitizeForLog(path), err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) || pass == nil {
		return nil, fmt.Errorf("parse private key %s: %w", logutil.SanitizeForLog(path), err)
	}

	phrase, perr := pass(path)
	if perr != nil {
		return nil, fmt.Errorf("look up passphrase for %s: %w", logutil.SanitizeForLog(path), perr)
	}
	if phrase == "" {
		return nil, fmt.Errorf("parse private key %s: %w", logutil.SanitizeForLog(path), err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(phrase))
	if err != nil {
		return nil, fmt.Errorf("decrypt private key %s: %w", logutil.SanitizeForLog(path), err)
	}
	return signer, nil
}
