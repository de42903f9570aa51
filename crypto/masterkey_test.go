package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureMasterKeyCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")

	first, err := EnsureMasterKey(path)
	if err != nil {
		t.Fatalf("EnsureMasterKey (create): %v", err)
	}
	if len(first) != SymmetricKeySize {
		t.Fatalf("master key length = %d, want %d", len(first), SymmetricKeySize)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat master key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("master key permissions = %v, want 0600", info.Mode().Perm())
	}

	second, err := EnsureMasterKey(path)
	if err != nil {
		t.Fatalf("EnsureMasterKey (reload): %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("reloaded master key differs from created key")
	}
}

func TestDeriveSealKeyLabelsIndependent(t *testing.T) {
	master := bytes.Repeat([]byte{7}, SymmetricKeySize)

	a, err := DeriveSealKey(master, "rsa-private")
	if err != nil {
		t.Fatalf("DeriveSealKey: %v", err)
	}
	b, err := DeriveSealKey(master, "chat-aes")
	if err != nil {
		t.Fatalf("DeriveSealKey: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("distinct labels derived identical keys")
	}

	again, err := DeriveSealKey(master, "rsa-private")
	if err != nil {
		t.Fatalf("DeriveSealKey: %v", err)
	}
	if !bytes.Equal(a, again) {
		t.Fatal("derivation not deterministic for one label")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	master := bytes.Repeat([]byte{3}, SymmetricKeySize)
	sealKey, err := DeriveSealKey(master, "test")
	if err != nil {
		t.Fatalf("DeriveSealKey: %v", err)
	}

	sealed, err := Seal(sealKey, []byte("key material"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := Open(sealKey, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != "key material" {
		t.Fatalf("round trip mismatch: got %q", got)
	}

	wrong, err := DeriveSealKey(master, "other")
	if err != nil {
		t.Fatalf("DeriveSealKey: %v", err)
	}
	if _, err := Open(wrong, sealed); err == nil {
		t.Fatal("open with wrong seal key succeeded")
	}
}
