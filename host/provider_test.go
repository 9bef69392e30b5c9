package host

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/nwvm/actions"
)

func TestDirectoryProvider(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeFile := func(dir, name string, data []byte) {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(first, "add.ncs", []byte("first"))
	writeFile(second, "add.ncs", []byte("second"))
	writeFile(second, "other.ncs", []byte("code"))
	writeFile(second, "other.ndb", []byte("symbols"))

	p := NewDirectoryProvider(first, second)
	code, symbols, err := p.LoadScriptBytes("Add")
	if err != nil || string(code) != "first" || symbols != nil {
		t.Errorf("add = %q, %q, %v", code, symbols, err)
	}
	code, symbols, err = p.LoadScriptBytes("other.ncs")
	if err != nil || string(code) != "code" || string(symbols) != "symbols" {
		t.Errorf("other = %q, %q, %v", code, symbols, err)
	}
	if _, _, err := p.LoadScriptBytes("none"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("missing: err = %v", err)
	}
}

func TestChainProvider(t *testing.T) {
	a, b := NewMemoryProvider(), NewMemoryProvider()
	a.Add("one", []byte("a1"), nil)
	b.Add("one", []byte("b1"), nil)
	b.Add("two", []byte("b2"), nil)
	chain := ChainProvider{a, b}

	for name, want := range map[string]string{"one": "a1", "two": "b2"} {
		code, _, err := chain.LoadScriptBytes(name)
		if err != nil || string(code) != want {
			t.Errorf("%s = %q, %v; want %q", name, code, err, want)
		}
	}
	a.Remove("one")
	if code, _, _ := chain.LoadScriptBytes("one"); string(code) != "b1" {
		t.Errorf("after remove: %q", code)
	}
	if _, _, err := chain.LoadScriptBytes("three"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("missing: err = %v", err)
	}
}

func TestSQLiteProvider(t *testing.T) {
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "scripts.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	p := NewSQLiteProvider(db)

	if err := p.PutScript("Add", addScript(), nil); err != nil {
		t.Fatal(err)
	}
	if err := p.PutScript("greet", []byte("v1"), []byte("ndb")); err != nil {
		t.Fatal(err)
	}
	if err := p.PutScript("greet", []byte("v2"), []byte("ndb")); err != nil {
		t.Fatal(err)
	}

	code, symbols, err := p.LoadScriptBytes("add")
	if err != nil || !bytes.Equal(code, addScript()) || symbols != nil {
		t.Errorf("add = %d bytes, %q, %v", len(code), symbols, err)
	}
	if code, symbols, _ := p.LoadScriptBytes("greet"); string(code) != "v2" || string(symbols) != "ndb" {
		t.Errorf("greet = %q, %q", code, symbols)
	}
	names, err := p.Names()
	if err != nil || len(names) != 2 || names[0] != "add" || names[1] != "greet" {
		t.Errorf("names = %v, %v", names, err)
	}

	if err := p.DeleteScript("greet"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.LoadScriptBytes("greet"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("deleted: err = %v", err)
	}

	// Scripts in the database run like any others.
	rt := NewRuntime(actions.DefaultDefinitions(), nil, p, Options{Timers: NewManualTimers()})
	if code, err := rt.ExecuteScript("add", 1, nil, 0, FlagRaiseOnFailure); err != nil || code != 5 {
		t.Errorf("add from database = %d, %v", code, err)
	}
}
