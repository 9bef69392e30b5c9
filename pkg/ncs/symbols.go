package ncs

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// SymbolsSignature opens an NDB debug symbol file.
const SymbolsSignature = "NDB V1.0"

// SymbolType is a type token from a debug symbol file:
// "v" void, "i" int, "f" float, "s" string, "o" object, "a" action,
// "e0".."e9" engine structures and "tNNNN" a structure by index.
type SymbolType string

const (
	SymVoid   SymbolType = "v"
	SymInt    SymbolType = "i"
	SymFloat  SymbolType = "f"
	SymString SymbolType = "s"
	SymObject SymbolType = "o"
	SymAction SymbolType = "a"
)

// Scalar returns the stack type code for scalar symbol types.
func (t SymbolType) Scalar() (TypeCode, bool) {
	switch t {
	case SymInt:
		return TypeInt, true
	case SymFloat:
		return TypeFloat, true
	case SymString:
		return TypeString, true
	case SymObject:
		return TypeObject, true
	}
	if len(t) == 2 && t[0] == 'e' && t[1] >= '0' && t[1] <= '9' {
		return EngineType(int(t[1] - '0')), true
	}
	return TypeNone, false
}

// StructIndex returns the structure index of a "tNNNN" type.
func (t SymbolType) StructIndex() (int, bool) {
	if len(t) < 2 || t[0] != 't' {
		return 0, false
	}
	n, err := strconv.Atoi(string(t[1:]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// SymbolStruct is a structure declaration.
type SymbolStruct struct {
	Name   string
	Fields []SymbolField
}

// SymbolField is one member of a structure.
type SymbolField struct {
	Name string
	Type SymbolType
}

// SymbolFunction describes a compiled function.
type SymbolFunction struct {
	Name   string
	Start  uint32
	End    uint32
	Return SymbolType
	Params []SymbolType
}

// SymbolVariable describes a variable's live range and stack location.
type SymbolVariable struct {
	Name     string
	Type     SymbolType
	Start    uint32
	End      uint32
	StackLoc uint32
}

// SymbolLine maps a PC range to a source line.
type SymbolLine struct {
	File  int
	Line  int
	Start uint32
	End   uint32
}

// Symbols holds the contents of an NDB file.
type Symbols struct {
	Files     []string
	Structs   []SymbolStruct
	Functions []SymbolFunction
	Variables []SymbolVariable
	Lines     []SymbolLine
}

// Lookup maps pc to its source file and line.
func (s *Symbols) Lookup(pc uint32) (string, int, bool) {
	i := sort.Search(len(s.Lines), func(i int) bool { return s.Lines[i].End > pc })
	if i == len(s.Lines) || s.Lines[i].Start > pc {
		return "", 0, false
	}
	l := s.Lines[i]
	file := ""
	if l.File >= 0 && l.File < len(s.Files) {
		file = s.Files[l.File]
	}
	return file, l.Line, true
}

// Function returns the function whose range contains pc.
func (s *Symbols) Function(pc uint32) (SymbolFunction, bool) {
	for _, fn := range s.Functions {
		if pc >= fn.Start && pc < fn.End {
			return fn, true
		}
	}
	return SymbolFunction{}, false
}

// StructCells returns the number of stack cells occupied by a value of
// type t, or -1 for types that do not occupy the stack.
func (s *Symbols) StructCells(t SymbolType) int {
	if _, ok := t.Scalar(); ok {
		return 1
	}
	idx, ok := t.StructIndex()
	if !ok || idx >= len(s.Structs) {
		return -1
	}
	total := 0
	for _, f := range s.Structs[idx].Fields {
		n := s.StructCells(f.Type)
		if n < 0 {
			return -1
		}
		total += n
	}
	return total
}

// ParseSymbols reads an NDB V1.0 text symbol file:
//
//	NDB V1.0
//	N <files> <structs> <functions> <variables> <lines>
//	N00 <file>                      (n00 for included files)
//	s <fieldcount> <name>
//	sf <type> <name>
//	f <start> <end> <paramcount> <return> <name>
//	fp <type>
//	v <start> <end> <stackloc> <type> <name>
//	l<file> <line> <start> <end>
//
// PCs are hexadecimal, counts and lines decimal.
func ParseSymbols(r io.Reader) (*Symbols, error) {
	sc := bufio.NewScanner(r)
	lineNo := 0
	next := func() (string, bool) {
		for sc.Scan() {
			lineNo++
			line := strings.TrimSpace(sc.Text())
			if line != "" {
				return line, true
			}
		}
		return "", false
	}
	bad := func(format string, args ...any) error {
		return fmt.Errorf("ndb: line %d: %s", lineNo, fmt.Sprintf(format, args...))
	}

	header, ok := next()
	if !ok || header != SymbolsSignature {
		return nil, fmt.Errorf("ndb: missing %q signature", SymbolsSignature)
	}

	s := &Symbols{}
	for {
		line, ok := next()
		if !ok {
			break
		}
		fields := strings.Fields(line)
		switch {
		case fields[0] == "N" && len(fields) == 6:
			// Section counts; informational only.

		case (line[0] == 'N' || line[0] == 'n') && len(fields) == 2:
			s.Files = append(s.Files, fields[1])

		case fields[0] == "s":
			if len(fields) != 3 {
				return nil, bad("malformed struct record")
			}
			s.Structs = append(s.Structs, SymbolStruct{Name: fields[2]})

		case fields[0] == "sf":
			if len(fields) != 3 || len(s.Structs) == 0 {
				return nil, bad("struct field outside a struct")
			}
			st := &s.Structs[len(s.Structs)-1]
			st.Fields = append(st.Fields, SymbolField{Type: SymbolType(fields[1]), Name: fields[2]})

		case fields[0] == "f":
			if len(fields) != 6 {
				return nil, bad("malformed function record")
			}
			start, err1 := strconv.ParseUint(fields[1], 16, 32)
			end, err2 := strconv.ParseUint(fields[2], 16, 32)
			if err1 != nil || err2 != nil {
				return nil, bad("invalid function range")
			}
			s.Functions = append(s.Functions, SymbolFunction{
				Name:   fields[5],
				Start:  uint32(start),
				End:    uint32(end),
				Return: SymbolType(fields[4]),
			})

		case fields[0] == "fp":
			if len(fields) != 2 || len(s.Functions) == 0 {
				return nil, bad("parameter outside a function")
			}
			fn := &s.Functions[len(s.Functions)-1]
			fn.Params = append(fn.Params, SymbolType(fields[1]))

		case fields[0] == "v":
			if len(fields) != 6 {
				return nil, bad("malformed variable record")
			}
			start, err1 := strconv.ParseUint(fields[1], 16, 32)
			end, err2 := strconv.ParseUint(fields[2], 16, 32)
			loc, err3 := strconv.ParseUint(fields[3], 16, 32)
			if err1 != nil || err2 != nil || err3 != nil {
				return nil, bad("invalid variable record")
			}
			s.Variables = append(s.Variables, SymbolVariable{
				Start: uint32(start), End: uint32(end), StackLoc: uint32(loc),
				Type: SymbolType(fields[4]), Name: fields[5],
			})

		case line[0] == 'l':
			if len(fields) != 4 {
				return nil, bad("malformed line record")
			}
			file, err1 := strconv.Atoi(fields[0][1:])
			num, err2 := strconv.Atoi(fields[1])
			start, err3 := strconv.ParseUint(fields[2], 16, 32)
			end, err4 := strconv.ParseUint(fields[3], 16, 32)
			if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
				return nil, bad("invalid line record")
			}
			s.Lines = append(s.Lines, SymbolLine{File: file, Line: num, Start: uint32(start), End: uint32(end)})

		default:
			return nil, bad("unrecognized record %q", fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ndb: %w", err)
	}

	sort.Slice(s.Lines, func(i, j int) bool { return s.Lines[i].Start < s.Lines[j].Start })
	return s, nil
}
