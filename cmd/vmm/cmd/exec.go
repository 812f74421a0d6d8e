/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-vmm"
	"github.com/blacktop/go-vmm/hvf"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

var (
	execMemSize  int
	execBaseAddr uint64
	execStack    uint64
)

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().IntVarP(&execMemSize, "mem-size", "m", 0x10000, "Memory size to allocate (bytes)")
	execCmd.Flags().Uint64VarP(&execBaseAddr, "base-addr", "a", 0x4000, "Base address for code execution")
	execCmd.Flags().Uint64VarP(&execStack, "stack", "s", 0x8000, "Initial stack pointer")
}

// ExecResult is the JSON document exec prints: the first exit record and the
// CPU state at that point.
type ExecResult struct {
	ExitInfo  vmm.ExitInfo      `json:"exit_info"`
	Registers map[string]uint64 `json:"registers"`
}

var execCmd = &cobra.Command{
	Use:   "exec [code-file]",
	Short: "Execute ARM64 code on one vCPU and dump the CPU state as JSON",
	Long: `Execute ARM64 machine code until the first trap and print the resulting
CPU state as JSON.

Code can be a raw flat binary, a Mach-O binary (the entry function's bytes
are extracted, with a trailing brk #0 appended), or stdin when no file is
given. Unlike run, exec does not interpret hypercalls; it reports the raw
first exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := hvf.Supported()
		if err != nil || !ok {
			return fmt.Errorf("hypervisor not supported: %v", err)
		}

		code, err := readCode(args)
		if err != nil {
			return err
		}
		if len(code) == 0 {
			return fmt.Errorf("no code provided")
		}

		page := unix.Getpagesize()
		if execMemSize%page != 0 {
			return fmt.Errorf("mem-size must be a multiple of page size (%d bytes)", page)
		}

		result, err := execCode(code)
		if err != nil {
			return err
		}
		out, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}

func readCode(args []string) ([]byte, error) {
	if len(args) == 0 {
		return io.ReadAll(os.Stdin)
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read code file: %w", err)
	}
	if len(raw) >= 4 && binary.LittleEndian.Uint32(raw) == 0xfeedfacf {
		return machoEntryBytes(args[0])
	}
	return raw, nil
}

// machoEntryBytes extracts the bytes of the entry function of a Mach-O
// binary and appends a brk #0 so execution ends with a clean trap.
func machoEntryBytes(path string) ([]byte, error) {
	m, err := macho.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Mach-O file: %w", err)
	}
	defer m.Close()

	main := m.GetLoadsByName("LC_MAIN")
	if len(main) == 0 {
		return nil, fmt.Errorf("failed to find LC_MAIN in %s", path)
	}
	addr := main[0].(*macho.EntryPoint).EntryOffset + m.GetBaseAddress()

	fn, err := m.GetFunctionForVMAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to find function at address %#x: %w", addr, err)
	}
	code := make([]byte, fn.EndAddr-fn.StartAddr)
	if _, err := m.ReadAtAddr(code, fn.StartAddr); err != nil {
		return nil, fmt.Errorf("failed to read function bytes: %w", err)
	}
	return append(code, 0x00, 0x00, 0x20, 0xd4), nil // brk #0
}

func execCode(code []byte) (*ExecResult, error) {
	// The framework requires vCPU create and run on the same OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	prov, err := hvf.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create VM: %w", err)
	}
	defer prov.Close()

	hostMem, err := unix.Mmap(-1, 0, execMemSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate memory: %w", err)
	}
	defer unix.Munmap(hostMem)

	if len(code) > len(hostMem) {
		return nil, fmt.Errorf("code size (%d) exceeds memory size (%d)", len(code), len(hostMem))
	}
	copy(hostMem, code)

	if err := prov.Map(hostMem, execBaseAddr, vmm.MemRead|vmm.MemWrite|vmm.MemExec); err != nil {
		return nil, fmt.Errorf("failed to map memory: %w", err)
	}
	defer prov.Unmap(execBaseAddr, uint64(len(hostMem)))

	vcpu, err := prov.NewVCPU()
	if err != nil {
		return nil, fmt.Errorf("failed to create vCPU: %w", err)
	}
	defer vcpu.Close()

	if err := vcpu.SetReg(vmm.RegSP, execStack); err != nil {
		return nil, fmt.Errorf("failed to set SP: %w", err)
	}
	if err := vcpu.SetReg(vmm.RegPC, execBaseAddr); err != nil {
		return nil, fmt.Errorf("failed to set PC: %w", err)
	}

	exitInfo, err := vcpu.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to execute: %w", err)
	}

	regs := make(map[string]uint64)
	for r := vmm.RegX0; r <= vmm.RegCPSR; r++ {
		val, err := vcpu.GetReg(r)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s: %w", regName(r), err)
		}
		regs[regName(r)] = val
	}
	return &ExecResult{ExitInfo: exitInfo, Registers: regs}, nil
}

func regName(r vmm.Reg) string {
	switch r {
	case vmm.RegFP:
		return "fp"
	case vmm.RegLR:
		return "lr"
	case vmm.RegSP:
		return "sp"
	case vmm.RegPC:
		return "pc"
	case vmm.RegCPSR:
		return "cpsr"
	default:
		return fmt.Sprintf("x%d", int(r))
	}
}
