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

	"github.com/blacktop/go-vmm"
	"github.com/blacktop/go-vmm/hvf"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	workerID    string
	workerVCPUs int
	workerGuest string
	workerImage string
	workerMem   int
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerID, "id", "vm", "VM identity")
	workerCmd.Flags().IntVar(&workerVCPUs, "vcpus", 1, "Number of vCPUs")
	workerCmd.Flags().StringVar(&workerGuest, "guest", "hello", "Built-in guest name")
	workerCmd.Flags().StringVar(&workerImage, "image", "", "Guest image file (overrides --guest)")
	workerCmd.Flags().IntVar(&workerMem, "mem", vmm.DefaultMemSize, "Guest memory size in bytes")
}

// workerCmd runs one VM's full lifecycle in this process. The framework
// permits a single VM per process, so the run command spawns one worker per
// VM. The process exits 0 on a clean guest exit, 1 otherwise.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single VM end-to-end (internal)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var image []byte
		var err error
		if workerImage != "" {
			image, err = os.ReadFile(workerImage)
			if err != nil {
				return fmt.Errorf("failed to read guest image: %w", err)
			}
		} else {
			image, err = vmm.GuestImage(workerGuest)
			if err != nil {
				return err
			}
		}

		m, err := vmm.NewMachine(vmm.Config{
			ID:          workerID,
			VCPUs:       workerVCPUs,
			MemSize:     workerMem,
			Image:       image,
			Logger:      logrus.StandardLogger(),
			NewProvider: hvf.New,
		})
		if err != nil {
			return err
		}
		return m.Execute()
	},
}
