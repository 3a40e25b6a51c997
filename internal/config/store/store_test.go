package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "config.db")
	s, err := Open(Options{InstanceName: "test", DBPath: dbPath})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ident := Identity{
		Name:             "home",
		APIID:            12345,
		APIHash:          "0123456789abcdef0123456789abcdef",
		BridgeCommand:    "tgvoip-bridge --session home",
		DefaultTarget:    "+15550001111",
		DefaultLanguage:  "it",
		RestoreFirstName: "Home",
		RestoreLastName:  "Assistant",
		PhotoPath:        "/srv/tgvoip/alert.jpg",
		RingTimeout:      30 * time.Second,
		MaxDuration:      2 * time.Minute,
		AudioMinBitrate:  80000,
		AudioMaxBitrate:  100000,
		AudioInitBitrate: 60000,
	}
	if err := s.SaveIdentity(ctx, ident); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}

	got, err := s.GetIdentity(ctx, "home")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.APIHash != ident.APIHash {
		t.Fatalf("api hash = %q, want %q", got.APIHash, ident.APIHash)
	}
	if got.DefaultLanguage != "it" || got.RingTimeout != 30*time.Second {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be populated")
	}
}

func TestAPIHashEncryptedAtRest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	secret := "super-secret-api-hash"
	if err := s.SaveIdentity(ctx, Identity{Name: "home", APIID: 1, APIHash: secret}); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT api_hash FROM identities WHERE name = ?`, "home").Scan(&raw)
	if err != nil {
		t.Fatalf("query raw hash: %v", err)
	}
	if !strings.HasPrefix(raw, encPrefix) {
		t.Fatalf("stored hash %q lacks %q prefix", raw, encPrefix)
	}
	if strings.Contains(raw, secret) {
		t.Fatal("plaintext secret present in stored value")
	}
}

func TestSaveIdentityUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveIdentity(ctx, Identity{Name: "home", APIID: 1, APIHash: "a"}); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}
	if err := s.SaveIdentity(ctx, Identity{Name: "home", APIID: 2, APIHash: "b", DefaultTarget: "@peer"}); err != nil {
		t.Fatalf("SaveIdentity update: %v", err)
	}

	got, err := s.GetIdentity(ctx, "home")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.APIID != 2 || got.APIHash != "b" || got.DefaultTarget != "@peer" {
		t.Fatalf("update not applied: %+v", got)
	}

	list, err := s.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("ListIdentities: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 identity after upsert, got %d", len(list))
	}
}

func TestListIdentitiesOmitsSecrets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"beta", "alpha"} {
		if err := s.SaveIdentity(ctx, Identity{Name: name, APIID: 1, APIHash: "secret"}); err != nil {
			t.Fatalf("SaveIdentity %s: %v", name, err)
		}
	}

	list, err := s.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("ListIdentities: %v", err)
	}
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "beta" {
		t.Fatalf("unexpected listing order: %+v", list)
	}
	for _, ident := range list {
		if ident.APIHash != "" {
			t.Fatalf("identity %s leaked api hash in listing", ident.Name)
		}
	}
}

func TestDeleteIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveIdentity(ctx, Identity{Name: "home", APIID: 1, APIHash: "x"}); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}
	if err := s.DeleteIdentity(ctx, "home"); err != nil {
		t.Fatalf("DeleteIdentity: %v", err)
	}
	if _, err := s.GetIdentity(ctx, "home"); !IsNotFound(err) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
	if err := s.DeleteIdentity(ctx, "home"); !IsNotFound(err) {
		t.Fatalf("expected not-found on second delete, got %v", err)
	}
}

func TestGetIdentityNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetIdentity(context.Background(), "ghost")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if got := err.Error(); !strings.Contains(got, "ghost") {
		t.Fatalf("error %q does not name the missing identity", got)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "log_level"); !IsNotFound(err) {
		t.Fatalf("expected not-found for unset key, got %v", err)
	}
	if err := s.SetSetting(ctx, "log_level", "debug"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting(ctx, "log_level", "info"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}

	got, err := s.GetSetting(ctx, "log_level")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got != "info" {
		t.Fatalf("setting = %q, want %q", got, "info")
	}

	all, err := s.Settings(ctx)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if len(all) != 1 || all["log_level"] != "info" {
		t.Fatalf("unexpected settings map: %v", all)
	}
}

func TestEncryptionKeyPersistsAcrossReopens(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "config.db")

	s, err := Open(Options{InstanceName: "test", DBPath: dbPath})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := s.SaveIdentity(ctx, Identity{Name: "home", APIID: 1, APIHash: "persisted"}); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(Options{InstanceName: "test", DBPath: dbPath})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetIdentity(ctx, "home")
	if err != nil {
		t.Fatalf("GetIdentity after reopen: %v", err)
	}
	if got.APIHash != "persisted" {
		t.Fatalf("api hash = %q after reopen, want %q", got.APIHash, "persisted")
	}
}

func TestOpenRefusesNewKeyWithEncryptedRows(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "config.db")

	s, err := Open(Options{InstanceName: "test", DBPath: dbPath})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveIdentity(context.Background(), Identity{Name: "home", APIID: 1, APIHash: "x"}); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}
	s.Close()

	if err := os.Remove(filepath.Join(dir, keyFileName)); err != nil {
		t.Fatalf("remove key file: %v", err)
	}

	if _, err := Open(Options{InstanceName: "test", DBPath: dbPath}); err == nil {
		t.Fatal("expected Open to fail when the key is missing but encrypted rows exist")
	}
}
