package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// PassphraseEnv names the environment variable the tooling reads keystore
// passphrases from, so the CLI and daemon can run non-interactively.
const PassphraseEnv = "BLMN_KEYSTORE_PASSPHRASE"

// PassphraseFromEnv returns the keystore passphrase from PassphraseEnv.
func PassphraseFromEnv() (string, error) {
	passphrase := os.Getenv(PassphraseEnv)
	if passphrase == "" {
		return "", fmt.Errorf("crypto: %s must be set", PassphraseEnv)
	}
	return passphrase, nil
}

// SaveToKeystore writes the provided private key to an Ethereum v3 keystore
// file at the given path. The file is written via a temporary directory and
// renamed into place so a crash mid-write never leaves a partial keystore.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	ks := keystore.NewKeyStore(tmpDir, keystore.StandardScryptN, keystore.StandardScryptP)
	if _, err := ks.ImportECDSA(key.PrivateKey, passphrase); err != nil {
		return err
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("crypto: failed to create keystore file")
	}

	src := filepath.Join(tmpDir, entries[0].Name())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied
// passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}

	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// LoadOperatorKey loads the operator keystore with the passphrase taken from
// PassphraseEnv.
func LoadOperatorKey(path string) (*PrivateKey, error) {
	passphrase, err := PassphraseFromEnv()
	if err != nil {
		return nil, err
	}
	return LoadFromKeystore(path, passphrase)
}
