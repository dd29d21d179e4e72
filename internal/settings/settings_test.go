package settings

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/duocall/duocall/internal/ice"
)

func TestAdvanced_AddStun(t *testing.T) {
	t.Parallel()

	a := Defaults()

	if err := a.AddStun(" stun:one.example.com:3478 "); err != nil {
		t.Fatalf("AddStun: %v", err)
	}
	if err := a.AddStun("stun:two.example.com:3478"); err != nil {
		t.Fatalf("AddStun: %v", err)
	}
	if len(a.CustomStunURLs) != 2 || a.CustomStunURLs[0] != "stun:one.example.com:3478" {
		t.Fatalf("list=%v, want trimmed entries in insertion order", a.CustomStunURLs)
	}
	if !a.Dirty() {
		t.Fatalf("expected dirty after AddStun")
	}
}

func TestAdvanced_AddStunRejectsInvalidWithoutMutation(t *testing.T) {
	t.Parallel()

	a := Defaults()
	if err := a.AddStun("https://nope.example.com"); !errors.Is(err, ice.ErrNotStunURL) {
		t.Fatalf("err=%v, want ErrNotStunURL", err)
	}
	if len(a.CustomStunURLs) != 0 {
		t.Fatalf("list mutated by rejected add: %v", a.CustomStunURLs)
	}
	if a.Dirty() {
		t.Fatalf("rejected add must not mark settings dirty")
	}
}

func TestAdvanced_AddStunRejectsDuplicate(t *testing.T) {
	t.Parallel()

	a := Defaults()
	if err := a.AddStun("stun:dup.example.com"); err != nil {
		t.Fatalf("AddStun: %v", err)
	}
	if err := a.AddStun("stun:dup.example.com"); !errors.Is(err, ErrDuplicateStunURL) {
		t.Fatalf("err=%v, want ErrDuplicateStunURL", err)
	}
	if len(a.CustomStunURLs) != 1 {
		t.Fatalf("list=%v, want single entry", a.CustomStunURLs)
	}
}

func TestAdvanced_RemoveStun(t *testing.T) {
	t.Parallel()

	a := Defaults()
	_ = a.AddStun("stun:keep.example.com")
	_ = a.AddStun("stun:drop.example.com")

	a.RemoveStun("stun:drop.example.com")
	if len(a.CustomStunURLs) != 1 || a.CustomStunURLs[0] != "stun:keep.example.com" {
		t.Fatalf("list=%v", a.CustomStunURLs)
	}

	// Absent entry: no-op.
	a.RemoveStun("stun:ghost.example.com")
	if len(a.CustomStunURLs) != 1 {
		t.Fatalf("list=%v after removing absent entry", a.CustomStunURLs)
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	t.Parallel()

	store := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))

	// Nothing persisted: defaults.
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.UseDefaultStun || loaded.Dirty() {
		t.Fatalf("fresh load=%+v, want clean defaults", loaded)
	}

	loaded.SetTurn("turn:turn.example.com:3478", "user", "pass")
	_ = loaded.AddStun("stun:custom.example.com")
	if !loaded.Dirty() {
		t.Fatalf("expected dirty before save")
	}

	if err := store.Save(&loaded); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if loaded.Dirty() {
		t.Fatalf("dirty flag should clear on save")
	}
	if _, err := os.Stat(store.Path + ".tmp"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("temp file left behind after save: %v", err)
	}

	again, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if again.TurnURL != "turn:turn.example.com:3478" || again.TurnUsername != "user" {
		t.Fatalf("reloaded=%+v", again)
	}
	if len(again.CustomStunURLs) != 1 || again.CustomStunURLs[0] != "stun:custom.example.com" {
		t.Fatalf("reloaded stun list=%v", again.CustomStunURLs)
	}
}

func TestFileStore_Reset(t *testing.T) {
	t.Parallel()

	store := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))

	a := Defaults()
	a.SetUseDefaultStun(false)
	if err := store.Save(&a); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := store.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	// Resetting twice must not fail.
	if err := store.Reset(); err != nil {
		t.Fatalf("second Reset: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.UseDefaultStun {
		t.Fatalf("loaded=%+v, want defaults after reset", loaded)
	}
}

func TestAdvanced_ICEConfigSnapshot(t *testing.T) {
	t.Parallel()

	a := Defaults()
	_ = a.AddStun("stun:snap.example.com")
	cfg := a.ICEConfig()

	// Mutating the settings after the snapshot must not leak through.
	_ = a.AddStun("stun:later.example.com")
	if len(cfg.CustomStunURLs) != 1 {
		t.Fatalf("snapshot list=%v, want isolated copy", cfg.CustomStunURLs)
	}
}
