// Package ncs reads compiled NWScript programs.
//
// An NCS image is an 8-byte "NCS V1.0" signature, a size record (0x42
// followed by the big-endian total length) and a stream of instructions
// starting at offset 13. Each instruction is an opcode byte, a type byte
// and big-endian operands whose layout depends on the opcode.
//
// Decode turns an image into a Program: the instruction list indexed by
// PC, the subroutine table built from JSR targets and the resume labels
// named by STORE_STATE. Optional NDB debug symbols (ParseSymbols) name
// subroutines, record their signatures and map PCs to source lines.
//
// Builder assembles images in code, and Disassemble renders a listing.
package ncs
