package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cyphermesh/cyphermesh/internal/domain"
)

var (
	sharedOnce sync.Once
	sharedKP   [2]*Keypair
	sharedErr  error
)

// testKeypairs returns two distinct keypairs generated once per test binary.
// RSA generation is slow enough that regenerating per test dominates runtime.
func testKeypairs(t *testing.T) (*Keypair, *Keypair) {
	t.Helper()
	sharedOnce.Do(func() {
		for i := range sharedKP {
			sharedKP[i], sharedErr = GenerateKeypair()
			if sharedErr != nil {
				return
			}
		}
	})
	if sharedErr != nil {
		t.Fatalf("GenerateKeypair() error: %v", sharedErr)
	}
	return sharedKP[0], sharedKP[1]
}

// ─── Keypair Generation ─────────────────────────────────────────────────────

func TestGenerateKeypair(t *testing.T) {
	kp, _ := testKeypairs(t)
	if kp.Private.N.BitLen() != 2048 {
		t.Errorf("modulus bits = %d, want 2048", kp.Private.N.BitLen())
	}
	if !strings.HasPrefix(kp.PublicKeyPEM(), "-----BEGIN PUBLIC KEY-----") {
		t.Errorf("PublicKeyPEM() should be SubjectPublicKeyInfo PEM, got %q", kp.PublicKeyPEM()[:30])
	}
}

func TestGenerateKeypair_Unique(t *testing.T) {
	kp1, kp2 := testKeypairs(t)
	if kp1.PublicKeyPEM() == kp2.PublicKeyPEM() {
		t.Error("two generated keypairs should have different public keys")
	}
}

// ─── Sign / Verify ──────────────────────────────────────────────────────────

func TestSignVerify(t *testing.T) {
	kp, _ := testKeypairs(t)
	message := []byte(`{"id": "abc", "severity": "high"}`)

	sig, err := kp.Sign(message)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if len(sig) != 256 { // 2048-bit modulus
		t.Errorf("signature len = %d, want 256", len(sig))
	}
	if !Verify(message, sig, kp.PublicKeyPEM()) {
		t.Error("Verify() should return true for valid signature")
	}
}

func TestSign_Randomized(t *testing.T) {
	kp, _ := testKeypairs(t)
	sig1, _ := kp.Sign([]byte("same"))
	sig2, _ := kp.Sign([]byte("same"))
	if string(sig1) == string(sig2) {
		t.Error("PSS signatures over the same message should differ (random salt)")
	}
}

func TestVerify_RequiresMaximumSalt(t *testing.T) {
	kp, _ := testKeypairs(t)
	message := []byte(`{"id": "abc", "severity": "high"}`)
	digest := sha256.Sum256(message)

	tests := []struct {
		name string
		salt int
		want bool
	}{
		{"no salt", 0, false},
		{"hash-length salt", sha256.Size, false},
		{"one short of maximum", 256 - 2 - sha256.Size - 1, false},
		{"maximum salt", 256 - 2 - sha256.Size, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := rsa.SignPSS(rand.Reader, kp.Private, crypto.SHA256, digest[:],
				&rsa.PSSOptions{SaltLength: tt.salt, Hash: crypto.SHA256})
			if err != nil {
				t.Fatalf("SignPSS() error: %v", err)
			}
			if got := Verify(message, sig, kp.PublicKeyPEM()); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerify_WrongMessage(t *testing.T) {
	kp, _ := testKeypairs(t)
	sig, _ := kp.Sign([]byte("original"))

	if Verify([]byte("tampered"), sig, kp.PublicKeyPEM()) {
		t.Error("Verify() should return false for wrong message")
	}
}

func TestVerify_WrongKey(t *testing.T) {
	kp1, kp2 := testKeypairs(t)
	message := []byte("test message")
	sig, _ := kp1.Sign(message)

	if Verify(message, sig, kp2.PublicKeyPEM()) {
		t.Error("Verify() should return false for wrong public key")
	}
}

func TestVerify_Garbage(t *testing.T) {
	kp, _ := testKeypairs(t)
	sig, _ := kp.Sign([]byte("m"))

	tests := []struct {
		name string
		sig  []byte
		pem  string
	}{
		{"empty pem", sig, ""},
		{"not pem", sig, "hello"},
		{"truncated sig", sig[:10], kp.PublicKeyPEM()},
		{"nil sig", nil, kp.PublicKeyPEM()},
		{"bad der", sig, "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Verify([]byte("m"), tt.sig, tt.pem) {
				t.Error("Verify() should return false")
			}
		})
	}
}

func TestParsePublicKeyPEM_RejectsNonRSA(t *testing.T) {
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	der, _ := x509.MarshalPKIXPublicKey(&ec.PublicKey)
	ecPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	if _, err := ParsePublicKeyPEM(ecPEM); !errors.Is(err, domain.ErrNotRSAKey) {
		t.Errorf("err = %v, want ErrNotRSAKey", err)
	}
	if Verify([]byte("m"), []byte("sig"), ecPEM) {
		t.Error("Verify() should return false for an ECDSA key")
	}
}

// ─── Persistence ────────────────────────────────────────────────────────────

func TestLoadKeypair_Missing(t *testing.T) {
	if _, err := LoadKeypair(t.TempDir()); !errors.Is(err, domain.ErrKeysMissing) {
		t.Errorf("err = %v, want ErrKeysMissing", err)
	}
}

func TestLoadOrCreateKeypair_CreatesAndLoads(t *testing.T) {
	tmpHome := t.TempDir()
	kp1, err := LoadOrCreateKeypair(tmpHome)
	if err != nil {
		t.Fatalf("LoadOrCreateKeypair() error: %v", err)
	}

	keyDir := filepath.Join(tmpHome, "keys")
	if _, err := os.Stat(filepath.Join(keyDir, "public_key.pem")); os.IsNotExist(err) {
		t.Error("public_key.pem should exist")
	}
	info, err := os.Stat(filepath.Join(keyDir, "private_key.pem"))
	if err != nil {
		t.Fatalf("private_key.pem should exist: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("private key mode = %v, want 0600", info.Mode().Perm())
	}
	if !KeysExist(tmpHome) {
		t.Error("KeysExist() should be true after creation")
	}

	kp2, err := LoadOrCreateKeypair(tmpHome)
	if err != nil {
		t.Fatalf("LoadOrCreateKeypair() second call error: %v", err)
	}
	if kp1.PublicKeyPEM() != kp2.PublicKeyPEM() {
		t.Error("loaded keypair should match created keypair")
	}

	message := []byte("persistent identity test")
	sig, _ := kp1.Sign(message)
	if !Verify(message, sig, kp2.PublicKeyPEM()) {
		t.Error("signature should verify after reloading keypair")
	}
}

func TestLoadKeypair_CorruptPrivateKey(t *testing.T) {
	tmpHome := t.TempDir()
	if _, err := LoadOrCreateKeypair(tmpHome); err != nil {
		t.Fatalf("LoadOrCreateKeypair() error: %v", err)
	}
	path := filepath.Join(KeyDir(tmpHome), "private_key.pem")
	if err := os.WriteFile(path, []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKeypair(tmpHome); !errors.Is(err, domain.ErrInvalidPEM) {
		t.Errorf("err = %v, want ErrInvalidPEM", err)
	}
	// A corrupt key must not be silently replaced.
	if _, err := LoadOrCreateKeypair(tmpHome); err == nil {
		t.Error("LoadOrCreateKeypair() should fail on a corrupt key, not regenerate")
	}
}
