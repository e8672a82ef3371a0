package broker

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/bpf"
)

// Filter is a classic BPF program evaluated against every wired frame
// before decoding.
type Filter struct {
	vm *bpf.VM
}

// ParseFilter compiles the output of `tcpdump -dd <expression>`. Each line
// holds one instruction in the form `{ 0x28, 0, 0, 0x0000000c },`. An empty
// program returns a nil Filter which accepts every frame.
func ParseFilter(program string) (*Filter, error) {
	var raw []bpf.RawInstruction
	for n, line := range strings.Split(program, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimSuffix(line, ",")
		line = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(line, "{"), "}"))

		parts := strings.Split(line, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("bpf line %d: expected 4 fields, got %d", n+1, len(parts))
		}
		var fields [4]uint64
		for i, p := range parts {
			v, err := strconv.ParseUint(strings.TrimSpace(p), 0, 32)
			if err != nil {
				return nil, fmt.Errorf("bpf line %d: %w", n+1, err)
			}
			fields[i] = v
		}
		if fields[1] > 0xff || fields[2] > 0xff || fields[0] > 0xffff {
			return nil, fmt.Errorf("bpf line %d: field out of range", n+1)
		}
		raw = append(raw, bpf.RawInstruction{
			Op: uint16(fields[0]),
			Jt: uint8(fields[1]),
			Jf: uint8(fields[2]),
			K:  uint32(fields[3]),
		})
	}
	if len(raw) == 0 {
		return nil, nil
	}

	insns, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("bpf program contains instructions that cannot be decoded")
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("invalid bpf program: %w", err)
	}
	return &Filter{vm: vm}, nil
}

// Accept reports whether the program keeps frame. A nil Filter accepts
// everything.
func (f *Filter) Accept(frame []byte) bool {
	if f == nil {
		return true
	}
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}
