package stores

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/panyam/centralauth"
)

func testRecord(access string) *centralauth.TokenRecord {
	cached := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	return &centralauth.TokenRecord{
		AccessToken: access,
		TokenType:   "Bearer",
		CachedAt:    cached,
		ExpiresAt:   cached.Add(2 * time.Hour),
	}
}

func newTestStore(t *testing.T, sealer *Sealer) *FSTokenStore {
	t.Helper()
	s, err := NewFSTokenStore(t.TempDir(), "", sealer)
	if err != nil {
		t.Fatalf("NewFSTokenStore() error = %v", err)
	}
	return s
}

func TestFSTokenStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	if got := s.Load(ctx, "k1"); got != nil {
		t.Fatalf("Load() on empty store = %+v, want nil", got)
	}

	rec := testRecord("abc")
	if err := s.Save(ctx, "k1", rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got := s.Load(ctx, "k1")
	if got == nil {
		t.Fatal("Load() = nil after Save")
	}
	if got.AccessToken != "abc" || !got.ExpiresAt.Equal(rec.ExpiresAt) || !got.CachedAt.Equal(rec.CachedAt) {
		t.Errorf("Load() = %+v, want %+v", got, rec)
	}

	info, err := os.Stat(s.getTokenPath("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file mode = %o, want 600", perm)
	}

	if s.Load(ctx, "k2") != nil {
		t.Error("records must be per key")
	}
}

func TestFSTokenStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	_ = s.Save(ctx, "k", testRecord("first"))
	_ = s.Save(ctx, "k", testRecord("second"))

	if got := s.Load(ctx, "k"); got == nil || got.AccessToken != "second" {
		t.Errorf("Load() = %+v, want second", got)
	}
}

func TestFSTokenStore_CorruptFileReadsAsMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	tests := []struct {
		name    string
		content string
	}{
		{"truncated", `{"access_token": "abc", "expires_`},
		{"not json", "garbage"},
		{"empty token", `{"access_token":"","token_type":"Bearer","expires_at":"2026-02-01T11:00:00Z","cached_at":"2026-02-01T09:00:00Z"}`},
		{"bad timestamp", `{"access_token":"abc","expires_at":"yesterday","cached_at":"2026-02-01T09:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := os.WriteFile(s.getTokenPath("k"), []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if got := s.Load(ctx, "k"); got != nil {
				t.Errorf("Load() = %+v, want nil", got)
			}
		})
	}
}

func TestFSTokenStore_LeftoverTempFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, tempPrefix+"12345")
	if err := os.WriteFile(stale, []byte(`{"access_token":"half`), 0600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * staleTempAge)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	// A temp file this young may still be written by another process
	live := filepath.Join(dir, tempPrefix+"67890")
	if err := os.WriteFile(live, []byte(`{"access_token":"in-progr`), 0600); err != nil {
		t.Fatal(err)
	}

	s, err := NewFSTokenStore(dir, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp file should be removed on open")
	}
	if _, err := os.Stat(live); err != nil {
		t.Errorf("recent temp file should be left alone: %v", err)
	}
	if s.Load(context.Background(), "12345") != nil {
		t.Error("temp files are never read as records")
	}
}

func TestFSTokenStore_CrashMidSaveKeepsPreviousRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFSTokenStore(dir, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "k", testRecord("previous")); err != nil {
		t.Fatal(err)
	}

	// What a writer killed before its rename leaves behind
	partial, err := EncodeRecord(nil, "k", testRecord("replacement"))
	if err != nil {
		t.Fatal(err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmp.Write(partial[:len(partial)/2]); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	reopened, err := NewFSTokenStore(dir, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	got := reopened.Load(ctx, "k")
	if got == nil || got.AccessToken != "previous" {
		t.Errorf("Load() = %+v, want the previous record", got)
	}
}

func TestFSTokenStore_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Save(ctx, "k", testRecord("same")); err != nil {
				t.Errorf("Save() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := s.Load(ctx, "k"); got == nil || got.AccessToken != "same" {
		t.Errorf("Load() after concurrent saves = %+v", got)
	}
	entries, _ := os.ReadDir(s.StoragePath)
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}

func TestFSTokenStore_DeleteAndClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	_ = s.Save(ctx, "a", testRecord("a"))
	_ = s.Save(ctx, "b", testRecord("b"))

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "a"); err != nil {
		t.Errorf("Delete() of missing record error = %v", err)
	}
	if s.Load(ctx, "a") != nil {
		t.Error("deleted record still loads")
	}

	n, err := s.Clear(ctx)
	if err != nil || n != 1 {
		t.Errorf("Clear() = %d, %v; want 1, nil", n, err)
	}
	if s.Load(ctx, "b") != nil {
		t.Error("cleared record still loads")
	}
}

func TestFSTokenStore_Encrypted(t *testing.T) {
	ctx := context.Background()
	encoded, err := GenerateSealerKey()
	if err != nil {
		t.Fatal(err)
	}
	sealer, err := ParseSealerKey(encoded)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestStore(t, sealer)

	if err := s.Save(ctx, "k", testRecord("secret-token")); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(s.getTokenPath("k"))
	if len(raw) == 0 || bytes.Contains(raw, []byte("secret-token")) {
		t.Error("sealed file must not contain the token in the clear")
	}
	if got := s.Load(ctx, "k"); got == nil || got.AccessToken != "secret-token" {
		t.Errorf("Load() = %+v", got)
	}

	// Another key cannot open it
	otherKey, _ := GenerateSealerKey()
	other, _ := ParseSealerKey(otherKey)
	reader := &FSTokenStore{StoragePath: s.StoragePath, sealer: other, logger: s.logger}
	if reader.Load(ctx, "k") != nil {
		t.Error("record sealed under another key should read as missing")
	}

	// A sealed record renamed to another credential key does not open either
	if err := os.Rename(s.getTokenPath("k"), s.getTokenPath("k2")); err != nil {
		t.Fatal(err)
	}
	if s.Load(ctx, "k2") != nil {
		t.Error("record bound to another key should not open")
	}
}

func TestParseSealerKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantNil bool
		wantErr bool
	}{
		{"empty", "", true, false},
		{"hex", "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", false, false},
		{"short", "0001", false, true},
		{"not encoded", "!!!", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSealerKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSealerKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (s == nil) != tt.wantNil {
				t.Errorf("ParseSealerKey() = %v, wantNil %v", s, tt.wantNil)
			}
		})
	}
}
