// Package agent implements the worker-side runtime: the broker client, the
// poll/heartbeat loops, job staging, and sandboxed subprocess execution.
package agent

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mr-tron/base58"
)

// Wallet is the agent's ed25519 keypair. The address shown to the
// marketplace is the base58-encoded public key.
type Wallet struct {
	priv ed25519.PrivateKey
}

// Address returns the base58 public key.
func (w Wallet) Address() string {
	return base58.Encode(w.priv.Public().(ed25519.PublicKey))
}

// LoadOrCreateWallet reads the keypair file at path, generating and writing a
// fresh keypair when the file does not exist. The on-disk format is a JSON
// array of the 64 secret-key bytes.
func LoadOrCreateWallet(path string) (Wallet, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return createWallet(path)
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("op=wallet.load path=%s: %w", path, err)
	}
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return Wallet{}, fmt.Errorf("op=wallet.load path=%s: malformed keypair file: %w", path, err)
	}
	if len(ints) != ed25519.PrivateKeySize {
		return Wallet{}, fmt.Errorf("op=wallet.load path=%s: keypair has %d bytes, want %d", path, len(ints), ed25519.PrivateKeySize)
	}
	key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	for i, v := range ints {
		if v < 0 || v > 255 {
			return Wallet{}, fmt.Errorf("op=wallet.load path=%s: byte %d out of range", path, i)
		}
		key[i] = byte(v)
	}
	return Wallet{priv: key}, nil
}

func createWallet(path string) (Wallet, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Wallet{}, fmt.Errorf("op=wallet.create: %w", err)
	}
	ints := make([]int, len(priv))
	for i, b := range priv {
		ints[i] = int(b)
	}
	raw, err := json.Marshal(ints)
	if err != nil {
		return Wallet{}, fmt.Errorf("op=wallet.create: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Wallet{}, fmt.Errorf("op=wallet.create path=%s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return Wallet{}, fmt.Errorf("op=wallet.create path=%s: %w", path, err)
	}
	return Wallet{priv: priv}, nil
}
