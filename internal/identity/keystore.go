package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/sha3"
)

const (
	pubKeyFile  = "account_pub.hex"
	privKeyFile = "account_key.hex"
)

func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// KeypairFromSeed derives a deterministic keypair from a passphrase. For
// development setups where peers share a static trust list.
func KeypairFromSeed(seed string) (ed25519.PublicKey, ed25519.PrivateKey) {
	sum := sha3.Sum256([]byte("partyline:account-seed:" + seed))
	priv := ed25519.NewKeyFromSeed(sum[:])
	return priv.Public().(ed25519.PublicKey), priv
}

func SaveKeypair(dir string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if len(pub) == 0 || len(priv) == 0 {
		return fmt.Errorf("empty key")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, pubKeyFile), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, privKeyFile), []byte(hex.EncodeToString(priv)), 0600)
}

func LoadKeypair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pubHex, err := os.ReadFile(filepath.Join(dir, pubKeyFile))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(dir, privKeyFile))
	if err != nil {
		return nil, nil, err
	}
	pub, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad %s", pubKeyFile)
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil {
		return nil, nil, fmt.Errorf("bad %s", privKeyFile)
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("wrong key size in %s", dir)
	}
	return ed25519.PublicKey(pub), ed25519.PrivateKey(priv), nil
}

// LoadOrCreateKeypair loads the keypair stored in dir, generating and
// persisting a fresh one when none exists.
func LoadOrCreateKeypair(dir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := LoadKeypair(dir)
	if err == nil {
		return pub, priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}
	pub, priv, err = GenerateKeypair()
	if err != nil {
		return nil, nil, err
	}
	if err := SaveKeypair(dir, pub, priv); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// Signer adapts a private key to the SignFunc used by Issue.
func Signer(priv ed25519.PrivateKey) SignFunc {
	return func(digest []byte) ([]byte, error) {
		return ed25519.Sign(priv, digest), nil
	}
}
