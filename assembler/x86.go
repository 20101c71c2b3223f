package assembler

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// X86 assembles a pragmatic subset of x86-64 mnemonics: register
// moves and immediates, basic ALU ops, push/pop, inc/dec, nop, int3,
// syscall and ret. Mnemonics are case-insensitive; ';' and '#' start
// comments; blank lines are skipped. Immediates accept decimal and
// 0x-prefixed hex.
type X86 struct{}

// NewX86 returns an x86-64 assembler.
func NewX86() *X86 {
	return &X86{}
}

type register struct {
	index byte
	wide  bool // 64-bit
}

var registers = map[string]register{
	"eax": {0, false}, "ecx": {1, false}, "edx": {2, false}, "ebx": {3, false},
	"esp": {4, false}, "ebp": {5, false}, "esi": {6, false}, "edi": {7, false},
	"r8d": {8, false}, "r9d": {9, false}, "r10d": {10, false}, "r11d": {11, false},
	"r12d": {12, false}, "r13d": {13, false}, "r14d": {14, false}, "r15d": {15, false},

	"rax": {0, true}, "rcx": {1, true}, "rdx": {2, true}, "rbx": {3, true},
	"rsp": {4, true}, "rbp": {5, true}, "rsi": {6, true}, "rdi": {7, true},
	"r8": {8, true}, "r9": {9, true}, "r10": {10, true}, "r11": {11, true},
	"r12": {12, true}, "r13": {13, true}, "r14": {14, true}, "r15": {15, true},
}

// Assemble translates the program text to machine code.
func (a *X86) Assemble(program string) ([]byte, error) {
	var code []byte

	for i, raw := range strings.Split(program, "\n") {
		line := stripComment(raw)
		if line == "" {
			continue
		}

		encoded, err := a.encodeLine(line)
		if err != nil {
			return nil, &SyntaxError{Line: i + 1, Msg: err.Error()}
		}
		code = append(code, encoded...)
	}

	if len(code) == 0 {
		return nil, &SyntaxError{Msg: "empty program"}
	}
	return code, nil
}

func stripComment(line string) string {
	if i := strings.IndexAny(line, ";#"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func (a *X86) encodeLine(line string) ([]byte, error) {
	fields := strings.Fields(strings.ReplaceAll(line, ",", " "))
	mnemonic := strings.ToLower(fields[0])
	operands := fields[1:]
	for i := range operands {
		operands[i] = strings.ToLower(operands[i])
	}

	switch mnemonic {
	case "nop":
		return a.noOperands(operands, 0x90)
	case "ret":
		return a.noOperands(operands, 0xC3)
	case "int3":
		return a.noOperands(operands, 0xCC)
	case "syscall":
		if len(operands) != 0 {
			return nil, fmt.Errorf("syscall takes no operands")
		}
		return []byte{0x0F, 0x05}, nil
	case "mov":
		return a.encodeMov(operands)
	case "xor":
		return a.encodeALU(operands, 0x31)
	case "add":
		return a.encodeALU(operands, 0x01)
	case "sub":
		return a.encodeALU(operands, 0x29)
	case "inc":
		return a.encodeIncDec(operands, 0)
	case "dec":
		return a.encodeIncDec(operands, 1)
	case "push":
		return a.encodeStack(operands, 0x50)
	case "pop":
		return a.encodeStack(operands, 0x58)
	default:
		return nil, fmt.Errorf("unknown mnemonic %q", mnemonic)
	}
}

func (a *X86) noOperands(operands []string, opcode byte) ([]byte, error) {
	if len(operands) != 0 {
		return nil, fmt.Errorf("instruction takes no operands")
	}
	return []byte{opcode}, nil
}

// encodeMov handles "mov reg, reg" and "mov reg, imm".
func (a *X86) encodeMov(operands []string) ([]byte, error) {
	if len(operands) != 2 {
		return nil, fmt.Errorf("mov requires two operands")
	}

	dst, ok := registers[operands[0]]
	if !ok {
		return nil, fmt.Errorf("unknown register %q", operands[0])
	}

	if src, ok := registers[operands[1]]; ok {
		if src.wide != dst.wide {
			return nil, fmt.Errorf("operand width mismatch")
		}
		return encodeRegReg(0x89, src, dst), nil
	}

	imm, err := strconv.ParseInt(operands[1], 0, 64)
	if err != nil {
		return nil, fmt.Errorf("bad immediate %q", operands[1])
	}

	if dst.wide {
		// REX.W + B8+rd io, always a full imm64
		out := []byte{rex(true, 0, dst.index), 0xB8 + dst.index&7}
		return binary.LittleEndian.AppendUint64(out, uint64(imm)), nil
	}

	if imm > math.MaxUint32 || imm < math.MinInt32 {
		return nil, fmt.Errorf("immediate %d out of 32-bit range", imm)
	}
	var out []byte
	if dst.index >= 8 {
		out = append(out, rex(false, 0, dst.index))
	}
	out = append(out, 0xB8+dst.index&7)
	return binary.LittleEndian.AppendUint32(out, uint32(imm)), nil
}

// encodeALU handles the reg,reg forms sharing the "op r/m, r" layout.
func (a *X86) encodeALU(operands []string, opcode byte) ([]byte, error) {
	if len(operands) != 2 {
		return nil, fmt.Errorf("instruction requires two operands")
	}
	dst, ok := registers[operands[0]]
	if !ok {
		return nil, fmt.Errorf("unknown register %q", operands[0])
	}
	src, ok := registers[operands[1]]
	if !ok {
		return nil, fmt.Errorf("unknown register %q", operands[1])
	}
	if src.wide != dst.wide {
		return nil, fmt.Errorf("operand width mismatch")
	}
	return encodeRegReg(opcode, src, dst), nil
}

func (a *X86) encodeIncDec(operands []string, ext byte) ([]byte, error) {
	if len(operands) != 1 {
		return nil, fmt.Errorf("instruction requires one register operand")
	}
	reg, ok := registers[operands[0]]
	if !ok {
		return nil, fmt.Errorf("unknown register %q", operands[0])
	}

	var out []byte
	if reg.wide || reg.index >= 8 {
		out = append(out, rex(reg.wide, 0, reg.index))
	}
	return append(out, 0xFF, 0xC0|ext<<3|reg.index&7), nil
}

func (a *X86) encodeStack(operands []string, base byte) ([]byte, error) {
	if len(operands) != 1 {
		return nil, fmt.Errorf("instruction requires one register operand")
	}
	reg, ok := registers[operands[0]]
	if !ok {
		return nil, fmt.Errorf("unknown register %q", operands[0])
	}
	if !reg.wide {
		return nil, fmt.Errorf("push/pop requires a 64-bit register")
	}

	var out []byte
	if reg.index >= 8 {
		// push/pop default to 64-bit operands, only REX.B is needed
		out = append(out, 0x41)
	}
	return append(out, base+reg.index&7), nil
}

func encodeRegReg(opcode byte, src, dst register) []byte {
	var out []byte
	if src.wide || src.index >= 8 || dst.index >= 8 {
		out = append(out, rex(src.wide, src.index, dst.index))
	}
	return append(out, opcode, 0xC0|(src.index&7)<<3|dst.index&7)
}

// rex builds a REX prefix: W selects 64-bit operands, r fills the
// ModRM reg extension, b the ModRM r/m (or opcode register) extension.
func rex(w bool, r, b byte) byte {
	p := byte(0x40)
	if w {
		p |= 0x08
	}
	p |= (r >> 3) << 2
	p |= b >> 3
	return p
}
