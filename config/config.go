// Package config handles nwvm.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"

	"github.com/chazu/nwvm/actions"
	"github.com/chazu/nwvm/host"
	"github.com/chazu/nwvm/vm"
)

// FileName is the configuration file looked for by Load and FindAndLoad.
const FileName = "nwvm.toml"

// Config represents an nwvm.toml file.
type Config struct {
	Runtime   Runtime   `toml:"runtime"`
	JIT       JIT       `toml:"jit"`
	Resources Resources `toml:"resources"`
	Actions   Actions   `toml:"actions"`
	Log       Log       `toml:"log"`
	Server    Server    `toml:"server"`

	// Dir is the directory containing the nwvm.toml file (set at load time).
	// Relative paths in the file are resolved against it.
	Dir string `toml:"-"`
}

// Runtime bounds script execution.
type Runtime struct {
	MaxCallDepth      int    `toml:"max_call_depth"`
	MaxLoopIterations int    `toml:"max_loop_iterations"`
	MaxRecursion      int    `toml:"max_recursion"`
	MaxActionID       int    `toml:"max_action_id"`
	DebugLevel        string `toml:"debug_level"`
}

// JIT selects between interpretation and compilation. With HotThreshold
// set, scripts are compiled after that many calls instead of on load.
type JIT struct {
	Enabled      bool   `toml:"enabled"`
	MinCodeSize  int    `toml:"min_code_size"`
	HotThreshold uint64 `toml:"hot_threshold"`
}

// Resources locates compiled scripts. Directories are searched before the
// database.
type Resources struct {
	Dirs     []string `toml:"dirs"`
	Database string   `toml:"database"`
}

// Actions selects the action definition table. An empty Table uses the
// built-in one.
type Actions struct {
	Table string `toml:"table"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Server configures the remote control service.
type Server struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	limits := vm.DefaultConfig()
	return &Config{
		Runtime: Runtime{
			MaxCallDepth:      limits.MaxCallDepth,
			MaxLoopIterations: limits.MaxLoopIterations,
			MaxRecursion:      limits.MaxRecursion,
			MaxActionID:       vm.DefaultMaxActionID,
			DebugLevel:        "errors",
		},
		JIT:       JIT{Enabled: true},
		Resources: Resources{Dirs: []string{"."}},
		Server:    Server{Addr: "localhost:4280"},
		Dir:       ".",
	}
}

// Load parses an nwvm.toml file from the given directory. Settings the
// file leaves out keep their defaults.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if len(c.Resources.Dirs) == 0 && c.Resources.Database == "" {
		c.Resources.Dirs = []string{"."}
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find an nwvm.toml file, then
// loads it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate rejects settings the runtime cannot use.
func (c *Config) Validate() error {
	r := c.Runtime
	if r.MaxCallDepth <= 0 || r.MaxLoopIterations <= 0 || r.MaxRecursion <= 0 {
		return fmt.Errorf("runtime limits must be positive")
	}
	if r.MaxActionID <= 0 {
		return fmt.Errorf("max_action_id must be positive")
	}
	if _, err := ParseDebugLevel(r.DebugLevel); err != nil {
		return err
	}
	if c.JIT.MinCodeSize < 0 {
		return fmt.Errorf("min_code_size must not be negative")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// ResourceDirPaths returns the script directories as absolute paths.
func (c *Config) ResourceDirPaths() []string {
	var paths []string
	for _, d := range c.Resources.Dirs {
		paths = append(paths, c.resolve(d))
	}
	return paths
}

// DatabasePath returns the script database path, or "" for none.
func (c *Config) DatabasePath() string { return c.resolve(c.Resources.Database) }

// ActionTablePath returns the action table file, or "" for the built-in one.
func (c *Config) ActionTablePath() string { return c.resolve(c.Actions.Table) }

// LogPath returns the log file, or "" for standard error.
func (c *Config) LogPath() string { return c.resolve(c.Log.File) }

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// ParseDebugLevel accepts none, errors, calls and all.
func ParseDebugLevel(s string) (vm.DebugLevel, error) {
	switch strings.ToLower(s) {
	case "none":
		return vm.DebugNone, nil
	case "", "errors":
		return vm.DebugErrors, nil
	case "calls":
		return vm.DebugCalls, nil
	case "all":
		return vm.DebugAll, nil
	}
	return vm.DebugNone, fmt.Errorf("unknown debug_level %q", s)
}

// VMConfig returns the VM limits.
func (c *Config) VMConfig() vm.Config {
	level, _ := ParseDebugLevel(c.Runtime.DebugLevel)
	return vm.Config{
		MaxCallDepth:      c.Runtime.MaxCallDepth,
		MaxLoopIterations: c.Runtime.MaxLoopIterations,
		MaxRecursion:      c.Runtime.MaxRecursion,
		DebugLevel:        level,
	}
}

// Policy returns the JIT policy the [jit] section describes.
func (c *Config) Policy() host.JITPolicy {
	switch {
	case !c.JIT.Enabled:
		return host.InterpretOnly{}
	case c.JIT.HotThreshold > 0:
		p := host.NewHotScriptPolicy(c.JIT.HotThreshold)
		p.MinCodeSize = c.JIT.MinCodeSize
		return p
	}
	return host.SizeThresholdPolicy{MinCodeSize: c.JIT.MinCodeSize}
}

// ActionTable loads the configured action table. A table whose highest
// ordinal is below max_action_id is widened to it.
func (c *Config) ActionTable() (*vm.ActionTable, error) {
	table := actions.DefaultDefinitions()
	if path := c.ActionTablePath(); path != "" {
		var err error
		if table, err = actions.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if c.Runtime.MaxActionID <= table.MaxID() {
		return table, nil
	}
	defs := make([]vm.ActionDefinition, 0, table.Len())
	for _, d := range table.Definitions() {
		defs = append(defs, *d)
	}
	return vm.NewActionTable(c.Runtime.MaxActionID, defs)
}

// ConfigureLogging applies the [log] section. verbosity adds to the
// configured level, as from repeated -v flags.
func (c *Config) ConfigureLogging(verbosity int) {
	var path *string
	if p := c.LogPath(); p != "" {
		path = &p
	}
	commonlog.Configure(c.Log.Verbosity+verbosity, path)
}
