package pvm

// ProgramBlob wraps a finished instruction stream and encodes it into the
// SPI code-blob format: a reserved two-byte header, a var_u32 code length,
// the instruction bytes, and a basic-block-start mask.
type ProgramBlob struct {
	Instructions []Instruction
}

// NewProgramBlob wraps instructions, which must already have had their
// fixups resolved (see package peephole).
func NewProgramBlob(instructions []Instruction) *ProgramBlob {
	return &ProgramBlob{Instructions: instructions}
}

// Encode produces the final code-blob bytes:
//
//	[0x00][0x00][var_u32 code_len][code bytes][basic-block mask bytes]
func (b *ProgramBlob) Encode() []byte {
	code, mask := b.encodeCodeAndMask()

	blob := make([]byte, 0, 2+5+len(code)+len(mask))
	blob = append(blob, 0, 0)
	blob = append(blob, EncodeVarU32(uint32(len(code)))...)
	blob = append(blob, code...)
	blob = append(blob, mask...)
	return blob
}

func (b *ProgramBlob) encodeCodeAndMask() ([]byte, []byte) {
	var code []byte
	var bits []bool

	for _, instr := range b.Instructions {
		encoded := instr.Encode()
		code = append(code, encoded...)
		for i := range encoded {
			bits = append(bits, i == 0)
		}
	}

	return code, packMask(bits)
}
