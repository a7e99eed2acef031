package hash

import "testing"

func TestCalculate(t *testing.T) {
	data := map[string]interface{}{
		"id":   1,
		"name": "test",
	}

	hash1, err := Calculate(data)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	hash2, err := Calculate(data)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}

	if hash1 != hash2 {
		t.Error("Same data should produce same hash")
	}

	if len(hash1) != 64 {
		t.Errorf("Expected hash length 64, got %d", len(hash1))
	}
}

func TestCalculateString(t *testing.T) {
	str := "test string"

	hash1 := CalculateString(str)
	hash2 := CalculateString(str)

	if hash1 != hash2 {
		t.Error("Same string should produce same hash")
	}

	if len(hash1) != 64 {
		t.Errorf("Expected hash length 64, got %d", len(hash1))
	}
}

func TestRootOverEntriesDeterministic(t *testing.T) {
	entries := []Entry{
		{Key: "b", Value: "2"},
		{Key: "a", Value: "1"},
		{Key: "c", Value: "3"},
	}

	root1 := RootOverEntries(entries)

	reordered := []Entry{
		{Key: "c", Value: "3"},
		{Key: "a", Value: "1"},
		{Key: "b", Value: "2"},
	}
	root2 := RootOverEntries(reordered)

	if root1 != root2 {
		t.Error("root must not depend on input order")
	}
	if len(root1) != 64 {
		t.Errorf("expected a 64-char hex digest, got %d chars", len(root1))
	}
}

func TestRootOverEntriesChangesWithContent(t *testing.T) {
	base := []Entry{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}
	changed := []Entry{{Key: "a", Value: "1"}, {Key: "b", Value: "9"}}

	if RootOverEntries(base) == RootOverEntries(changed) {
		t.Error("changing a value must change the root")
	}
}

func TestRootOverEntriesEmpty(t *testing.T) {
	root := RootOverEntries(nil)
	if root == "" {
		t.Error("empty keyset should still produce a well-defined root")
	}
	if root != RootOverEntries([]Entry{}) {
		t.Error("nil and empty slice must produce the same root")
	}
}

func TestRootOverEntriesDoesNotMutateInput(t *testing.T) {
	entries := []Entry{{Key: "z", Value: "1"}, {Key: "a", Value: "2"}}
	_ = RootOverEntries(entries)

	if entries[0].Key != "z" || entries[1].Key != "a" {
		t.Error("RootOverEntries must not reorder the caller's slice")
	}
}
