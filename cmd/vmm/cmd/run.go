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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/blacktop/go-vmm"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	runVMs   int
	runVCPUs int
	runGuest string
	runMem   int
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVarP(&runVMs, "vms", "n", 1, "Number of VMs to run in parallel")
	runCmd.Flags().IntVarP(&runVCPUs, "vcpus", "c", 1, "Number of vCPUs per VM")
	runCmd.Flags().StringVarP(&runGuest, "guest", "g", "hello", "Built-in guest: "+strings.Join(vmm.GuestNames(), ", "))
	runCmd.Flags().IntVar(&runMem, "mem", vmm.DefaultMemSize, "Guest memory size in bytes per VM")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one or more VMs with a built-in guest",
	Long: `Run one or more VMs with a built-in guest.

Each VM runs in its own worker process (the hypervisor allows one VM per
process). The command waits for every VM to finish and exits 0 only if all
of them exited cleanly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runVMs < 1 {
			return fmt.Errorf("need at least one VM")
		}
		if _, err := vmm.GuestImage(runGuest); err != nil {
			return err
		}

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve executable: %w", err)
		}
		extra := []string{"worker", "--mem", strconv.Itoa(runMem)}
		if verbose {
			extra = append(extra, "--verbose")
		}

		specs := make([]vmm.VMSpec, runVMs)
		for i := range specs {
			specs[i] = vmm.VMSpec{
				ID:    fmt.Sprintf("vm%d", i),
				VCPUs: runVCPUs,
				Guest: runGuest,
			}
		}

		results, err := vmm.RunAll(cmd.Context(), specs, vmm.ProcessLauncher(exe, extra...))
		for _, res := range results {
			if res.Err != nil {
				color.New(color.FgRed).Fprintf(os.Stderr, "%s: FAIL (%v, %s)\n", res.Spec.ID, res.Err, res.Duration.Round(time.Millisecond))
			} else {
				color.New(color.FgGreen).Fprintf(os.Stderr, "%s: OK (%s)\n", res.Spec.ID, res.Duration.Round(time.Millisecond))
			}
		}
		return err
	},
}
