package engine

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"unsafe"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	// -----------------------------------
	// | 000101 | ... 26 bit address ... |
	// -----------------------------------
	_B = uint32(5 << 26)

	// -----------------------------------
	// | 100101 | ... 26 bit address ... |
	// -----------------------------------
	_BL = uint32(1<<31 | _B)

	// Mask for the opcode bits of B and BL.
	branchOpMask = uint32(0xfc000000)

	// ADR/ADRP is encoded as:
	// --------------------------------------------------
	// | P | lo 2 bits | 10000 | hi 19 bits | 5-bit reg |
	// --------------------------------------------------
	// Mask for the address:
	adrAddressMask = uint32(3<<29 | 0x7ffff<<5)

	ldrX27Lit8  = uint32(0x5800005b) // LDR X27, .+8
	ldrX26Lit12 = uint32(0x5800007a) // LDR X26, .+12
	ldrX27X26   = uint32(0xf940035b) // LDR X27, [X26]
	brX27       = uint32(0xd61f0360) // BR X27
)

// jumpCode returns machine code that branches to replacement.
//
// A replacement whose closure record lives in the module image has no
// captured variables, so it is enough to branch to its entry:
//
//	LDR X27, .+8
//	BR X27
//	.quad <entry>
//
// Otherwise R26, the closure context register, must point at the record:
//
//	LDR X26, .+12
//	LDR X27, [X26]
//	BR X27
//	.quad <replacement>
//
// A resumable patch starts with a second entry for runtime.morestack to
// return to. It expects R26 to hold the trampoline's resume record:
//
//	B 3(PC)
//	LDR X27, [X26]
//	BR X27
func jumpCode(replacement Address, inImage bool, resumable bool) []byte {
	le := binary.LittleEndian
	buf := make([]byte, 0, 32)
	if resumable {
		buf = le.AppendUint32(buf, _B|3)
		buf = le.AppendUint32(buf, ldrX27X26)
		buf = le.AppendUint32(buf, brX27)
	}

	if inImage {
		buf = le.AppendUint32(buf, ldrX27Lit8)
		buf = le.AppendUint32(buf, brX27)
		return le.AppendUint64(buf, uint64(entryOf(replacement)))
	}

	buf = le.AppendUint32(buf, ldrX26Lit12)
	buf = le.AppendUint32(buf, ldrX27X26)
	buf = le.AppendUint32(buf, brX27)
	return le.AppendUint64(buf, uint64(uintptr(replacement)))
}

// trimPadding drops the zero words between functions.
func trimPadding(code []byte) []byte {
	end := len(code) &^ 3
	for end >= 4 && binary.LittleEndian.Uint32(code[end-4:]) == 0 {
		end -= 4
	}
	return code[:end]
}

func disassemble(code []byte) (string, error) {
	var buf bytes.Buffer

	baseAddr := uintptr(unsafe.Pointer(unsafe.SliceData(code)))

	for i := 0; i < len(code)&^3; i += 4 {
		var text string
		instruction, err := arm64asm.Decode(code[i:])
		if err == nil {
			text = instruction.String()
		} else {
			text = "?"
		}
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", baseAddr+uintptr(i), hex.EncodeToString(code[i:i+4]), text)
	}

	return buf.String(), nil
}
