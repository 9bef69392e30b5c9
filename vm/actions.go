package vm

import (
	"fmt"
	"strings"

	"github.com/chazu/nwvm/pkg/ncs"
)

// DefaultMaxActionID is the size of the stock NWN2 action table.
const DefaultMaxActionID = 1058

// ActionType is the declared type of an action parameter or return value.
type ActionType uint8

const (
	ActionVoid ActionType = iota
	ActionInt
	ActionFloat
	ActionString
	ActionObject
	ActionVector
	ActionAction // a deferred statement; consumes the saved situation
	ActionEngine0
)

// ActionEngine returns the action type of engine structure n.
func ActionEngine(n int) ActionType { return ActionEngine0 + ActionType(n) }

// IsEngine reports whether t is an engine structure type.
func (t ActionType) IsEngine() bool {
	return t >= ActionEngine0 && t < ActionEngine0+ncs.MaxEngineStructures
}

var actionTypeNames = map[string]ActionType{
	"void":         ActionVoid,
	"int":          ActionInt,
	"float":        ActionFloat,
	"string":       ActionString,
	"object":       ActionObject,
	"vector":       ActionVector,
	"action":       ActionAction,
	"effect":       ActionEngine(EngineEffect),
	"event":        ActionEngine(EngineEvent),
	"location":     ActionEngine(EngineLocation),
	"talent":       ActionEngine(EngineTalent),
	"itemproperty": ActionEngine(EngineItemProperty),
}

// ParseActionType parses a type name as written in nwscript.nss
// ("int", "vector", "effect", ...). Engine structures beyond the
// standard five are written engine5..engine9.
func ParseActionType(name string) (ActionType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if t, ok := actionTypeNames[name]; ok {
		return t, nil
	}
	var n int
	if _, err := fmt.Sscanf(name, "engine%d", &n); err == nil && n >= 0 && n < ncs.MaxEngineStructures {
		return ActionEngine(n), nil
	}
	return ActionVoid, fmt.Errorf("unknown action type %q", name)
}

func (t ActionType) String() string {
	for name, v := range actionTypeNames {
		if v == t {
			return name
		}
	}
	if t.IsEngine() {
		return fmt.Sprintf("engine%d", int(t-ActionEngine0))
	}
	return fmt.Sprintf("ActionType(%d)", uint8(t))
}

// GetTypeSize returns the number of stack slots a value of type t occupies
// when transferred: one for scalars and engine handles, three for vectors,
// none for void and action arguments.
func GetTypeSize(t ActionType) int {
	switch t {
	case ActionVoid, ActionAction:
		return 0
	case ActionVector:
		return 3
	}
	return 1
}

// CellTypes returns the stack types a value of type t occupies.
func (t ActionType) CellTypes() []BaseType {
	switch t {
	case ActionInt:
		return []BaseType{TypeInt}
	case ActionFloat:
		return []BaseType{TypeFloat}
	case ActionString:
		return []BaseType{TypeString}
	case ActionObject:
		return []BaseType{TypeObject}
	case ActionVector:
		return []BaseType{TypeFloat, TypeFloat, TypeFloat}
	}
	if t.IsEngine() {
		return []BaseType{EngineType(int(t - ActionEngine0))}
	}
	return nil
}

// ActionDefinition describes one entry of the action table.
type ActionDefinition struct {
	ID        int
	Name      string
	Return    ActionType
	Params    []ActionType
	MinParams int

	// ParamSizes[i] is the byte size of the first i+1 parameters.
	ParamSizes []int
}

// ParamBytes returns the byte size of the first argc parameters.
func (d *ActionDefinition) ParamBytes(argc int) int {
	if argc <= 0 {
		return 0
	}
	return d.ParamSizes[argc-1]
}

// ParamCells returns the number of stack cells the first argc parameters use.
func (d *ActionDefinition) ParamCells(argc int) int {
	return d.ParamBytes(argc) / ncs.CellSize
}

// ReturnCells returns the number of stack cells of the return value.
func (d *ActionDefinition) ReturnCells() int {
	return GetTypeSize(d.Return)
}

// Fast reports whether the action may use the fast calling convention:
// no engine structure or action parameters and no engine structure return.
func (d *ActionDefinition) Fast() bool {
	if d.Return.IsEngine() {
		return false
	}
	for _, p := range d.Params {
		if p.IsEngine() || p == ActionAction {
			return false
		}
	}
	return true
}

// CheckArgCount validates an ACTION instruction's argument count.
func (d *ActionDefinition) CheckArgCount(argc int) error {
	if argc < d.MinParams || argc > len(d.Params) {
		return fmt.Errorf("%w: %s takes %d to %d arguments, called with %d",
			ErrUnknownAction, d.Name, d.MinParams, len(d.Params), argc)
	}
	return nil
}

func (d *ActionDefinition) String() string {
	params := make([]string, len(d.Params))
	for i, p := range d.Params {
		params[i] = p.String()
	}
	return fmt.Sprintf("%d: %s %s(%s)", d.ID, d.Return, d.Name, strings.Join(params, ", "))
}

// ActionTable is the ordinal-indexed action dispatch table. It is
// immutable after construction and safe for concurrent readers.
type ActionTable struct {
	defs   []*ActionDefinition
	byName map[string]*ActionDefinition
	maxID  int
}

// NewActionTable builds a table holding ordinals 0..maxID-1.
func NewActionTable(maxID int, defs []ActionDefinition) (*ActionTable, error) {
	if maxID <= 0 {
		maxID = DefaultMaxActionID
	}
	t := &ActionTable{
		defs:   make([]*ActionDefinition, maxID),
		byName: make(map[string]*ActionDefinition, len(defs)),
		maxID:  maxID,
	}
	for i := range defs {
		d := defs[i]
		if d.ID < 0 || d.ID >= maxID {
			return nil, fmt.Errorf("action %s: ordinal %d outside 0..%d", d.Name, d.ID, maxID-1)
		}
		if t.defs[d.ID] != nil {
			return nil, fmt.Errorf("action %s: ordinal %d already used by %s", d.Name, d.ID, t.defs[d.ID].Name)
		}
		if prev, ok := t.byName[strings.ToLower(d.Name)]; ok {
			return nil, fmt.Errorf("action %s: name already used by ordinal %d", d.Name, prev.ID)
		}
		if d.MinParams < 0 || d.MinParams > len(d.Params) {
			return nil, fmt.Errorf("action %s: %d required of %d parameters", d.Name, d.MinParams, len(d.Params))
		}
		if d.Return == ActionAction {
			return nil, fmt.Errorf("action %s: action is not a valid return type", d.Name)
		}
		d.Params = append([]ActionType(nil), d.Params...)
		d.ParamSizes = make([]int, len(d.Params))
		total := 0
		for j, p := range d.Params {
			total += GetTypeSize(p) * ncs.CellSize
			d.ParamSizes[j] = total
		}
		t.defs[d.ID] = &d
		t.byName[strings.ToLower(d.Name)] = &d
	}
	return t, nil
}

// Lookup returns the definition of ordinal id.
func (t *ActionTable) Lookup(id int) (*ActionDefinition, bool) {
	if id < 0 || id >= len(t.defs) || t.defs[id] == nil {
		return nil, false
	}
	return t.defs[id], true
}

// ByName finds a definition by case-insensitive name.
func (t *ActionTable) ByName(name string) (*ActionDefinition, bool) {
	d, ok := t.byName[strings.ToLower(name)]
	return d, ok
}

// MaxID returns the number of ordinals in the table.
func (t *ActionTable) MaxID() int { return t.maxID }

// Len returns the number of defined actions.
func (t *ActionTable) Len() int { return len(t.byName) }

// Definitions returns the defined actions in ordinal order.
func (t *ActionTable) Definitions() []*ActionDefinition {
	out := make([]*ActionDefinition, 0, len(t.byName))
	for _, d := range t.defs {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}
