package host

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrScriptNotFound is returned by providers that do not hold a script.
var ErrScriptNotFound = errors.New("script not found")

// Resource file extensions.
const (
	CodeExt    = ".ncs"
	SymbolsExt = ".ndb"
)

// ResourceProvider supplies compiled scripts by resource name. Names are
// lower case without an extension. symbols is nil when the script has no
// debug symbols.
type ResourceProvider interface {
	LoadScriptBytes(name string) (code, symbols []byte, err error)
}

// ResourceName normalizes a script name to its resource form.
func ResourceName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), CodeExt)
}

// ---------------------------------------------------------------------------
// DirectoryProvider
// ---------------------------------------------------------------------------

// DirectoryProvider loads name.ncs, and name.ndb when present, from the
// first of its directories that has the script.
type DirectoryProvider struct {
	Dirs []string
}

// NewDirectoryProvider returns a provider over dirs, searched in order.
func NewDirectoryProvider(dirs ...string) *DirectoryProvider {
	return &DirectoryProvider{Dirs: dirs}
}

func (p *DirectoryProvider) LoadScriptBytes(name string) ([]byte, []byte, error) {
	name = ResourceName(name)
	for _, dir := range p.Dirs {
		code, err := os.ReadFile(filepath.Join(dir, name+CodeExt))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read script %s: %w", name, err)
		}
		symbols, err := os.ReadFile(filepath.Join(dir, name+SymbolsExt))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("read symbols for %s: %w", name, err)
		}
		return code, symbols, nil
	}
	return nil, nil, fmt.Errorf("%w: %s in %s", ErrScriptNotFound, name, strings.Join(p.Dirs, ", "))
}

// ---------------------------------------------------------------------------
// MemoryProvider
// ---------------------------------------------------------------------------

type memoryScript struct {
	code, symbols []byte
}

// MemoryProvider holds scripts in memory. It is safe for concurrent use.
type MemoryProvider struct {
	mu      sync.RWMutex
	scripts map[string]memoryScript
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{scripts: make(map[string]memoryScript)}
}

// Add stores a script, replacing any with the same name.
func (p *MemoryProvider) Add(name string, code, symbols []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[ResourceName(name)] = memoryScript{code: code, symbols: symbols}
}

// Remove deletes a script.
func (p *MemoryProvider) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.scripts, ResourceName(name))
}

func (p *MemoryProvider) LoadScriptBytes(name string) ([]byte, []byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.scripts[ResourceName(name)]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrScriptNotFound, name)
	}
	return s.code, s.symbols, nil
}

// ---------------------------------------------------------------------------
// ChainProvider
// ---------------------------------------------------------------------------

// ChainProvider asks each provider in turn. A provider's failure other
// than ErrScriptNotFound ends the search.
type ChainProvider []ResourceProvider

func (c ChainProvider) LoadScriptBytes(name string) ([]byte, []byte, error) {
	for _, p := range c {
		code, symbols, err := p.LoadScriptBytes(name)
		if errors.Is(err, ErrScriptNotFound) {
			continue
		}
		return code, symbols, err
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrScriptNotFound, name)
}
