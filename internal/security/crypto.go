// Package security provides the node's cryptographic identity.
// Every node owns an RSA-2048 key pair. Threat events are signed with
// RSA-PSS (SHA-256, MGF1-SHA-256, maximum salt) and reporters are identified
// by their PEM-encoded public key.
package security

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyphermesh/cyphermesh/internal/domain"
)

const (
	keyBits        = 2048
	privateKeyFile = "private_key.pem"
	publicKeyFile  = "public_key.pem"
)

// signOptions produce the maximum salt length for the key.
var signOptions = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthAuto,
	Hash:       crypto.SHA256,
}

// verifyOptions accept only signatures carrying the maximum salt for pub.
func verifyOptions(pub *rsa.PublicKey) *rsa.PSSOptions {
	return &rsa.PSSOptions{SaltLength: maxSaltLength(pub), Hash: crypto.SHA256}
}

func maxSaltLength(pub *rsa.PublicKey) int {
	return (pub.N.BitLen()-1+7)/8 - 2 - sha256.Size
}

// Keypair holds the node's RSA identity.
type Keypair struct {
	Private *rsa.PrivateKey
	pubPEM  string
}

// GenerateKeypair creates a new RSA-2048 keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa keypair: %w", err)
	}
	return newKeypair(priv)
}

func newKeypair(priv *rsa.PrivateKey) (*Keypair, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return &Keypair{Private: priv, pubPEM: string(pubPEM)}, nil
}

// KeyDir returns the directory holding the key files under home.
func KeyDir(home string) string {
	return filepath.Join(home, "keys")
}

// KeysExist reports whether both key files are present under home.
func KeysExist(home string) bool {
	dir := KeyDir(home)
	_, privErr := os.Stat(filepath.Join(dir, privateKeyFile))
	_, pubErr := os.Stat(filepath.Join(dir, publicKeyFile))
	return privErr == nil && pubErr == nil
}

// LoadKeypair reads an existing keypair from home/keys.
// Returns domain.ErrKeysMissing if either file is absent.
func LoadKeypair(home string) (*Keypair, error) {
	if !KeysExist(home) {
		return nil, domain.ErrKeysMissing
	}
	privBytes, err := os.ReadFile(filepath.Join(KeyDir(home), privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(privBytes)
	if block == nil {
		return nil, fmt.Errorf("decode private key: %w", domain.ErrInvalidPEM)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, domain.ErrNotRSAKey
	}
	return newKeypair(priv)
}

// LoadOrCreateKeypair loads an existing keypair from disk, or generates
// a new one on first run. Keys are stored in home/keys/.
func LoadOrCreateKeypair(home string) (*Keypair, error) {
	kp, err := LoadKeypair(home)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, domain.ErrKeysMissing) {
		return nil, err
	}

	kp, err = GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := kp.save(home); err != nil {
		return nil, err
	}
	return kp, nil
}

func (kp *Keypair) save(home string) error {
	dir := KeyDir(home)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(kp.Private)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privPEM, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), []byte(kp.pubPEM), 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// PublicKeyPEM returns the SubjectPublicKeyInfo PEM text used as the
// reporter identity on events.
func (kp *Keypair) PublicKeyPEM() string {
	return kp.pubPEM
}

// Sign signs message with RSA-PSS over its SHA-256 digest.
func (kp *Keypair) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPSS(rand.Reader, kp.Private, crypto.SHA256, digest[:], signOptions)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// ParsePublicKeyPEM decodes a PEM public key and requires it to be RSA.
func ParsePublicKeyPEM(pubPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return nil, domain.ErrInvalidPEM
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPEM, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, domain.ErrNotRSAKey
	}
	return pub, nil
}

// Verify checks an RSA-PSS signature against a PEM public key.
// Any failure, including an unparsable key, is reported as false.
func Verify(message, signature []byte, pubPEM string) bool {
	pub, err := ParsePublicKeyPEM(pubPEM)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(message)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, verifyOptions(pub)) == nil
}
