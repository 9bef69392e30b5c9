package ncs

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the program.
func Disassemble(p *Program) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; === %s ===\n", p.Name))
	sb.WriteString(fmt.Sprintf("; %s, %d bytes, %d instructions\n", FileSignature, len(p.Code), len(p.Instructions)))
	if p.Symbols != nil {
		sb.WriteString(fmt.Sprintf("; Symbols: %d functions, %d lines\n", len(p.Symbols.Functions), len(p.Symbols.Lines)))
	}
	sb.WriteString("\n")

	resume := make(map[uint32]bool, len(p.ResumeLabels))
	for _, pc := range p.ResumeLabels {
		resume[pc] = true
	}

	for i := range p.Instructions {
		in := &p.Instructions[i]
		if sub := p.Subroutine(in.PC); sub != nil {
			name := sub.Name
			if name == "" {
				name = fmt.Sprintf("sub_%08X", sub.PC)
			}
			sb.WriteString(fmt.Sprintf("\n%s:\n", name))
		}
		if resume[in.PC] {
			sb.WriteString(fmt.Sprintf("resume_%08X:\n", in.PC))
		}

		line := FormatInstruction(in)
		if file, srcLine, ok := p.SourceLocation(in.PC); ok {
			sb.WriteString(fmt.Sprintf("%08X  %-40s ; %s:%d\n", in.PC, line, file, srcLine))
		} else {
			sb.WriteString(fmt.Sprintf("%08X  %s\n", in.PC, line))
		}
	}

	return sb.String()
}

// FormatInstruction renders a single instruction in assembler syntax.
func FormatInstruction(in *Instruction) string {
	mnemonic := in.Op.String()
	if in.Type != TypeNone && GetOpcodeInfo(in.Op).Types != nil {
		mnemonic += in.Type.String()
	}

	switch GetOpcodeInfo(in.Op).Form {
	case FormStackCopy:
		return fmt.Sprintf("%-12s %d, %d", mnemonic, in.Offset, in.Size)
	case FormConst:
		switch in.Type {
		case TypeFloat:
			return fmt.Sprintf("%-12s %g", mnemonic, in.FloatValue)
		case TypeString:
			display := in.StringValue
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			return fmt.Sprintf("%-12s %q", mnemonic, display)
		case TypeObject:
			switch in.IntValue {
			case 0:
				return fmt.Sprintf("%-12s OBJECT_SELF", mnemonic)
			case 1:
				return fmt.Sprintf("%-12s OBJECT_INVALID", mnemonic)
			}
			return fmt.Sprintf("%-12s 0x%08X", mnemonic, uint32(in.IntValue))
		}
		return fmt.Sprintf("%-12s %d", mnemonic, in.IntValue)
	case FormAction:
		return fmt.Sprintf("%-12s %d, %d", mnemonic, in.ActionID, in.ArgCount)
	case FormBinary:
		if in.Type == TypeStructStruct {
			return fmt.Sprintf("%-12s %d", mnemonic, in.Size)
		}
		return mnemonic
	case FormInt32:
		if in.Op.IsJump() {
			return fmt.Sprintf("%-12s %08X", mnemonic, in.Target)
		}
		return fmt.Sprintf("%-12s %d", mnemonic, in.Offset)
	case FormDestruct:
		return fmt.Sprintf("%-12s %d, %d, %d", mnemonic, in.DestructSize, in.KeepOffset, in.KeepSize)
	case FormStoreState:
		return fmt.Sprintf("%-12s %d, %d ; resume %08X", mnemonic, in.SaveBPBytes, in.SaveSPBytes, in.Target)
	}
	if in.Op == OpStoreStateAll {
		return fmt.Sprintf("%-12s ; resume %08X", mnemonic, in.Target)
	}
	return mnemonic
}
