package actions

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chazu/nwvm/vm"
)

//go:embed nwscript.yaml
var defaultTable []byte

// TableFile is the on-disk form of an action table.
//
//	max_id: 1058
//	actions:
//	  - id: 59
//	    name: GetStringLength
//	    return: int
//	    params: [string]
//
// required defaults to the number of params.
type TableFile struct {
	MaxID   int           `yaml:"max_id"`
	Actions []ActionEntry `yaml:"actions"`
}

// ActionEntry is one action as written in a table file.
type ActionEntry struct {
	ID       int      `yaml:"id"`
	Name     string   `yaml:"name"`
	Return   string   `yaml:"return,omitempty"`
	Params   []string `yaml:"params,omitempty"`
	Required *int     `yaml:"required,omitempty"`
}

// LoadDefinitions parses a YAML action table.
func LoadDefinitions(r io.Reader) (*vm.ActionTable, error) {
	var file TableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("actions: decode table: %w", err)
	}
	return file.Table()
}

// LoadFile parses the YAML action table at path.
func LoadFile(path string) (*vm.ActionTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("actions: %w", err)
	}
	defer f.Close()

	table, err := LoadDefinitions(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// DefaultDefinitions returns the built-in table: the subset of nwscript.nss
// implemented by this package, at the stock ordinals.
func DefaultDefinitions() *vm.ActionTable {
	table, err := LoadDefinitions(bytes.NewReader(defaultTable))
	if err != nil {
		panic(fmt.Sprintf("actions: embedded table: %v", err))
	}
	return table
}

// Table converts the file to an action table.
func (f *TableFile) Table() (*vm.ActionTable, error) {
	defs := make([]vm.ActionDefinition, 0, len(f.Actions))
	for _, e := range f.Actions {
		d, err := e.definition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	table, err := vm.NewActionTable(f.MaxID, defs)
	if err != nil {
		return nil, fmt.Errorf("actions: %w", err)
	}
	return table, nil
}

// WriteDefinitions writes table in the format LoadDefinitions reads.
func WriteDefinitions(w io.Writer, table *vm.ActionTable) error {
	file := TableFile{MaxID: table.MaxID()}
	for _, d := range table.Definitions() {
		e := ActionEntry{ID: d.ID, Name: d.Name}
		if d.Return != vm.ActionVoid {
			e.Return = d.Return.String()
		}
		for _, p := range d.Params {
			e.Params = append(e.Params, p.String())
		}
		if d.MinParams != len(d.Params) {
			n := d.MinParams
			e.Required = &n
		}
		file.Actions = append(file.Actions, e)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&file); err != nil {
		return fmt.Errorf("actions: encode table: %w", err)
	}
	return enc.Close()
}

func (e ActionEntry) definition() (vm.ActionDefinition, error) {
	d := vm.ActionDefinition{ID: e.ID, Name: e.Name}
	if e.Name == "" {
		return d, fmt.Errorf("actions: ordinal %d has no name", e.ID)
	}

	ret := e.Return
	if ret == "" {
		ret = "void"
	}
	t, err := vm.ParseActionType(ret)
	if err != nil {
		return d, fmt.Errorf("actions: %s return: %w", e.Name, err)
	}
	d.Return = t

	for i, p := range e.Params {
		t, err := vm.ParseActionType(p)
		if err != nil {
			return d, fmt.Errorf("actions: %s parameter %d: %w", e.Name, i, err)
		}
		if t == vm.ActionVoid {
			return d, fmt.Errorf("actions: %s parameter %d is void", e.Name, i)
		}
		d.Params = append(d.Params, t)
	}

	d.MinParams = len(d.Params)
	if e.Required != nil {
		d.MinParams = *e.Required
	}
	return d, nil
}
