package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/cyphermesh/cyphermesh/internal/infra/sqlite"
	"github.com/cyphermesh/cyphermesh/internal/security"
)

var (
	keyOnce sync.Once
	keys    [2]*security.Keypair
	keyErr  error
)

// testKeys returns two RSA key pairs shared across the package's tests.
func testKeys(t *testing.T) (*security.Keypair, *security.Keypair) {
	t.Helper()
	keyOnce.Do(func() {
		for i := range keys {
			if keys[i], keyErr = security.GenerateKeypair(); keyErr != nil {
				return
			}
		}
	})
	if keyErr != nil {
		t.Fatalf("GenerateKeypair: %v", keyErr)
	}
	return keys[0], keys[1]
}

func newTestStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
