package bcvm

// Encode packs a single instruction word from an opcode and up to three
// raw byte operands, exposing encodeInstruction to callers outside this
// package (e.g. pkg/viper's test fixtures) that need to hand-assemble a
// bcmodule.Function without a real compiler.
func Encode(op Opcode, arg0, arg1, arg2 uint8) uint32 {
	return encodeInstruction(op, arg0, arg1, arg2)
}

// Encode0 packs an instruction with no operands (NOP, DUP, arithmetic,
// RETURN, ...).
func Encode0(op Opcode) uint32 {
	return encodeInstruction(op, 0, 0, 0)
}

// Encode8 packs an instruction whose only operand is an 8-bit value, the
// shape LOAD_LOCAL/STORE_LOCAL/LOAD_I8 use for a local slot or small
// immediate.
func Encode8(op Opcode, arg uint8) uint32 {
	return encodeInstruction(op, arg, 0, 0)
}

// Encode16 packs an instruction carrying a 16-bit operand across arg0:arg1,
// the shape LOAD_LOCAL_W/LOAD_I64/LOAD_GLOBAL/CALL/CALL_NATIVE/TAIL_CALL/
// EH_PUSH use for constant-pool, local, function, and handler indices.
func Encode16(op Opcode, arg uint16) uint32 {
	return encodeInstruction(op, uint8(arg>>8), uint8(arg), 0)
}

// Encode24 packs an instruction carrying a 24-bit operand across
// arg0:arg1:arg2, the shape JUMP_LONG/LOAD_I32/RESUME_LABEL use for
// targets and indices wider than 16 bits.
func Encode24(op Opcode, arg uint32) uint32 {
	return encodeInstruction(op, uint8(arg>>16), uint8(arg>>8), uint8(arg))
}

// EncodeJump packs a short relative branch (JUMP/JUMP_IF_TRUE/JUMP_IF_FALSE),
// whose operand is a signed 16-bit offset from the instruction's own IP.
func EncodeJump(op Opcode, offset int32) uint32 {
	return Encode16(op, uint16(int16(offset)))
}
