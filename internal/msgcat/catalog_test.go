package msgcat

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEmbeddedDefaults(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := c.Render("errors.wrong_network", map[string]any{"Chain": "Celo"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "Switch your wallet to Celo to continue." {
		t.Fatalf("got %q", got)
	}
	if s, _ := c.Render("result.accuracy", map[string]any{"Accuracy": 95.666}); s != "95.67% accurate" {
		t.Fatalf("accuracy: %q", s)
	}
	if _, err := c.Render("errors.wrong_network", map[string]any{}); err == nil {
		t.Fatalf("missing field rendered")
	}
}

func TestErrorFallbacks(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := c.Error("join_pending", nil); got != "Your join is still being confirmed." {
		t.Fatalf("reason fallback: %q", got)
	}
	if got := c.Error("no_such_code", nil); got != "no_such_code" {
		t.Fatalf("code fallback: %q", got)
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("errors:\n  slot_taken: \"Taken!\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := c.Error("slot_taken", nil); got != "Taken!" {
		t.Fatalf("override: %q", got)
	}
	if got := c.Error("not_connected", nil); got != "Connect a wallet to play." {
		t.Fatalf("default lost: %q", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "b.yml"), []byte("errors:\n  slot_taken: \"Again\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir); err == nil {
		t.Fatalf("duplicate override key accepted")
	}
}

func TestNonStringLeafRejected(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("errors:\n  slot_taken: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir); err == nil {
		t.Fatalf("numeric leaf accepted")
	}
}
