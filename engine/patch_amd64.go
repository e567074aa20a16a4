package engine

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opcodeINT3   = 0xcc
	opcodeJMPrel = 0xe9 // JMP rel32
)

// jumpCode returns the x86-64 machine code equivalent of:
//
//	MOVQ $replacement, DX
//	JMP (DX)
//
// DX is the closure context register, so the replacement sees its own
// captured variables.
//
// A resumable patch starts with a second entry for runtime.morestack to
// return to. It expects DX to hold the trampoline's resume record:
//
//	JMP 2(PC)
//	JMP (DX)
//	MOVQ $replacement, DX
//	JMP (DX)
func jumpCode(replacement Address, _ bool, resumable bool) []byte {
	buf := make([]byte, 0, 16)
	if resumable {
		buf = append(buf, 0xeb, 0x02, 0xff, 0x22)
	}
	buf = append(buf, byte(x86asm.PrefixREX)|byte(x86asm.PrefixREXW), 0xba) // MOV imm64, DX
	buf = binary.LittleEndian.AppendUint64(buf, uint64(uintptr(replacement)))
	return append(buf, 0xff, 0x22) // JMP [DX]
}

// trimPadding drops the INT3 opcodes the linker places between functions.
// Trailing 0xcc bytes may also be the operand of the last instruction, so
// the cut is made on an instruction boundary.
func trimPadding(code []byte) []byte {
	end := len(code)
	for end > 0 && code[end-1] == opcodeINT3 {
		end--
	}

	for i := 0; i < len(code); {
		if i >= end {
			return code[:i]
		}
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return code[:end]
		}
		i += instruction.Len
	}
	return code
}

func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], 64)
		if err != nil {
			return buf.String(), fmt.Errorf("decode error at offset %d: %w", i, err)
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+instruction.Len]), instruction.String())

		i += instruction.Len
	}

	return buf.String(), nil
}
