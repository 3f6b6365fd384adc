package store

import (
	"testing"
)

func setupKV(t *testing.T) *KV {
	t.Helper()

	kv, err := NewKV(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create kv store: %v", err)
	}
	return kv
}

func TestKVSetGetRemove(t *testing.T) {
	kv := setupKV(t)

	if err := kv.Set("sync.last", []byte(`"now"`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, ok, err := kv.Get("sync.last")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || string(value) != `"now"` {
		t.Errorf("Get = %q ok=%v", value, ok)
	}

	if err := kv.Remove("sync.last"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	_, ok, err = kv.Get("sync.last")
	if err != nil {
		t.Fatalf("Get after remove failed: %v", err)
	}
	if ok {
		t.Error("key still present after Remove")
	}

	// Removing an absent key is not an error.
	if err := kv.Remove("sync.last"); err != nil {
		t.Errorf("Remove of absent key failed: %v", err)
	}
}

func TestKVOverwrite(t *testing.T) {
	kv := setupKV(t)

	if err := kv.Set("k", []byte(`1`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := kv.Set("k", []byte(`2`)); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	value, _, err := kv.Get("k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != `2` {
		t.Errorf("Get = %q, want 2", value)
	}
}

func TestKVRejectsPathKeys(t *testing.T) {
	kv := setupKV(t)

	for _, key := range []string{"", "a/b", `a\b`, "../escape"} {
		if err := kv.Set(key, []byte(`1`)); err == nil {
			t.Errorf("Set(%q) should have been rejected", key)
		}
	}
}

func TestKVKeysPrefix(t *testing.T) {
	kv := setupKV(t)

	for _, key := range []string{"legacy.a", "legacy.b", "current.c"} {
		if err := kv.Set(key, []byte(`1`)); err != nil {
			t.Fatalf("Set(%s) failed: %v", key, err)
		}
	}

	keys, err := kv.Keys("legacy.")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "legacy.a" || keys[1] != "legacy.b" {
		t.Errorf("Keys = %v", keys)
	}
}
