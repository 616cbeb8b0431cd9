package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cyphermesh/cyphermesh/internal/daemon"
	"github.com/cyphermesh/cyphermesh/internal/infra/sqlite"
	"github.com/cyphermesh/cyphermesh/internal/security"
	"github.com/cyphermesh/cyphermesh/internal/threat"
)

// execute runs the root command with args against a fresh flag state.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// ─── Offline Commands ───────────────────────────────────────────────────────

func TestPeers_AddListRemove(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "--data-dir", dir, "peers", "add", "10.0.0.4:9001")
	if err != nil || !strings.Contains(out, "Added 10.0.0.4:9001") {
		t.Fatalf("peers add = %q, %v", out, err)
	}
	out, err = execute(t, "--data-dir", dir, "peers", "list")
	if err != nil || !strings.Contains(out, "10.0.0.4:9001") {
		t.Fatalf("peers list = %q, %v", out, err)
	}
	if _, err := execute(t, "--data-dir", dir, "peers", "remove", "10.0.0.4:9001"); err != nil {
		t.Fatalf("peers remove: %v", err)
	}
	out, _ = execute(t, "--data-dir", dir, "peers", "list")
	if !strings.Contains(out, "No known peers") {
		t.Errorf("peers list after remove = %q", out)
	}
}

func TestPeers_AddRejectsBadAddress(t *testing.T) {
	if _, err := execute(t, "--data-dir", t.TempDir(), "peers", "add", "10.0.0.4"); err == nil {
		t.Error("peers add should reject an address without a port")
	}
}

func TestEventsAndReputation(t *testing.T) {
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	kp, err := security.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	e, err := threat.New(kp, "198.51.100.7", "ssh-bruteforce", "high")
	if err != nil {
		t.Fatalf("threat.New: %v", err)
	}
	db.InsertEventIfAbsent(e)
	db.AdjustReputation(kp.PublicKeyPEM(), 1)
	db.Close()

	out, err := execute(t, "--data-dir", dir, "events", "--limit", "5")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !strings.Contains(out, threat.ShortID(e.ID)) || !strings.Contains(out, "ssh-bruteforce") {
		t.Errorf("events output = %q", out)
	}

	out, err = execute(t, "--data-dir", dir, "reputation")
	if err != nil {
		t.Fatalf("reputation: %v", err)
	}
	if !strings.Contains(out, fingerprint(kp.PublicKeyPEM())) {
		t.Errorf("reputation output = %q", out)
	}

	if _, err := execute(t, "--data-dir", dir, "events", "--limit", "0"); err == nil {
		t.Error("events --limit 0 should fail")
	}
}

func TestKeys_CreatesOnce(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "--data-dir", dir, "keys")
	if err != nil || !strings.Contains(out, "Generated new key pair") || !strings.Contains(out, "PUBLIC KEY") {
		t.Fatalf("keys = %q, %v", out, err)
	}
	out, _ = execute(t, "--data-dir", dir, "keys")
	if strings.Contains(out, "Generated") {
		t.Error("second run should reuse the existing keys")
	}
}

func TestReset(t *testing.T) {
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Close()
	if err := daemon.SaveConfig(dir, daemon.DefaultConfig()); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	if _, err := execute(t, "--data-dir", dir, "reset"); err == nil {
		t.Error("reset without a target should fail")
	}

	if _, err := execute(t, "--data-dir", dir, "reset", "--db"); err != nil {
		t.Fatalf("reset --db: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, sqlite.FileName)); !os.IsNotExist(err) {
		t.Error("database should be removed")
	}
	if _, err := os.Stat(filepath.Join(dir, daemon.ConfigFile)); err != nil {
		t.Error("reset --db must keep the config")
	}

	if _, err := execute(t, "--data-dir", dir, "reset", "--all"); err != nil {
		t.Fatalf("reset --all: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("data dir should be removed")
	}
}

// ─── Online Commands ────────────────────────────────────────────────────────

func TestReport_PostsToNode(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/events" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"event":{"id":"abc123","source_ip":"203.0.113.1","threat_type":"ddos","severity":"low"},"sent":3}`))
	}))
	defer srv.Close()

	out, err := execute(t, "report", "203.0.113.1", "ddos", "low", "--node", srv.URL)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if got["source_ip"] != "203.0.113.1" || got["severity"] != "low" {
		t.Errorf("request = %v", got)
	}
	if !strings.Contains(out, "abc123") || !strings.Contains(out, "sent to 3 peers") {
		t.Errorf("output = %q", out)
	}
}

func TestReport_SurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"severity must be one of low, medium, high, critical","code":400}}`))
	}))
	defer srv.Close()

	_, err := execute(t, "report", "203.0.113.1", "ddos", "extreme", "--node", srv.URL)
	if err == nil || !strings.Contains(err.Error(), "severity must be") {
		t.Errorf("err = %v", err)
	}
}

func TestReport_ArgCount(t *testing.T) {
	if _, err := execute(t, "report", "203.0.113.1"); err == nil {
		t.Error("report needs three arguments")
	}
}

func TestApplyRunFlags(t *testing.T) {
	resetFlags(rootCmd)
	if err := runCmd.ParseFlags([]string{"--ip", "10.2.2.2", "--port", "9300", "--no-discovery", "--seed", "10.2.2.3:9001", "--dedup", "naive"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	cfg := daemon.DefaultConfig()
	cfg.Node.Seeds = []string{"10.2.2.9:9001"}
	applyRunFlags(runCmd, &cfg)

	if cfg.Node.IP != "10.2.2.2" || cfg.Node.Port != 9300 {
		t.Errorf("node = %+v", cfg.Node)
	}
	if cfg.Discovery.Enabled {
		t.Error("--no-discovery should disable discovery")
	}
	if len(cfg.Node.Seeds) != 2 || cfg.Mesh.DedupMode != "naive" {
		t.Errorf("seeds = %v, dedup = %q", cfg.Node.Seeds, cfg.Mesh.DedupMode)
	}
	if cfg.API.Port != daemon.DefaultConfig().API.Port {
		t.Error("unset flags must not override the config")
	}
	resetFlags(rootCmd)
}
