package apikey

import (
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "apikey-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	s, err := Open(tmpfile.Name())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIssueAndResolve(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Issue("0xabc")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if rec.Key == "" {
		t.Fatal("expected a non-empty key")
	}

	resolved, ok := s.Resolve(rec.Key)
	if !ok {
		t.Fatal("expected Resolve to find the issued key")
	}
	if resolved.Address != "0xabc" {
		t.Errorf("expected address 0xabc, got %s", resolved.Address)
	}
}

func TestResolveUnknownKey(t *testing.T) {
	s := newTestStore(t)

	if _, ok := s.Resolve("does-not-exist"); ok {
		t.Error("expected Resolve to miss on an unknown key")
	}
}

func TestRevoke(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Issue("0xabc")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if err := s.Revoke(rec.Key); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	if _, ok := s.Resolve(rec.Key); ok {
		t.Error("expected Resolve to miss a revoked key")
	}
}

func TestRevokeUnknownKeyIsNotAnError(t *testing.T) {
	s := newTestStore(t)

	if err := s.Revoke("does-not-exist"); err != nil {
		t.Errorf("expected Revoke of an unknown key to succeed silently, got %v", err)
	}
}

func TestListExcludesRevoked(t *testing.T) {
	s := newTestStore(t)

	a, err := s.Issue("0xaaa")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := s.Issue("0xbbb"); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if err := s.Revoke(a.Key); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	list := s.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 non-revoked key, got %d", len(list))
	}
	if list[0].Address != "0xbbb" {
		t.Errorf("expected remaining key to belong to 0xbbb, got %s", list[0].Address)
	}
}

func TestWarmCacheAcrossReopen(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "apikey-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	defer os.Remove(tmpfile.Name())

	s1, err := Open(tmpfile.Name())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	rec, err := s1.Issue("0xccc")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	s1.Close()

	s2, err := Open(tmpfile.Name())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	if _, ok := s2.Resolve(rec.Key); !ok {
		t.Error("expected key issued before close to survive reopen")
	}
}
