package vmm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// VMSpec describes one VM for the orchestrator.
type VMSpec struct {
	ID    string
	VCPUs int
	Guest string // built-in guest name; ignored when Image is set
	Image []byte
}

// VMResult is the outcome of one VM's full lifecycle.
type VMResult struct {
	Spec     VMSpec
	Err      error
	Duration time.Duration
}

// Launcher runs one VM spec end-to-end in an isolated execution context and
// returns its outcome. The provider permits at most one VM per process, so
// truly parallel VMs need process-level isolation; ProcessLauncher provides
// that. Tests may substitute an in-process launcher.
type Launcher func(ctx context.Context, spec VMSpec) error

// RunAll starts every spec in its own context, waits for all of them to
// finish (no early cancellation on first failure, so every VM reports full
// diagnostics), and succeeds only if every VM succeeded. The returned slice
// is indexed like specs.
func RunAll(ctx context.Context, specs []VMSpec, launch Launcher) ([]VMResult, error) {
	results := make([]VMResult, len(specs))
	var g errgroup.Group
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			start := time.Now()
			err := launch(ctx, spec)
			results[i] = VMResult{Spec: spec, Err: err, Duration: time.Since(start)}
			if err != nil {
				return fmt.Errorf("vm %s: %w", spec.ID, err)
			}
			return nil
		})
	}
	// Wait joins every context regardless of individual failures.
	if err := g.Wait(); err != nil {
		failed := 0
		for _, res := range results {
			if res.Err != nil {
				failed++
			}
		}
		return results, fmt.Errorf("vmm: %d of %d VMs failed: %w", failed, len(specs), err)
	}
	return results, nil
}

// ProcessLauncher returns a Launcher that runs each VM in a child process:
// executable is invoked with extraArgs plus per-spec flags (--id, --vcpus,
// and either --guest or --image pointing at a temp file). The child's stdout
// and stderr pass through; its exit code decides success.
func ProcessLauncher(executable string, extraArgs ...string) Launcher {
	return func(ctx context.Context, spec VMSpec) error {
		args := append([]string(nil), extraArgs...)
		args = append(args, "--id", spec.ID, "--vcpus", strconv.Itoa(spec.VCPUs))
		if len(spec.Image) > 0 {
			f, err := os.CreateTemp("", "vmm-image-*")
			if err != nil {
				return fmt.Errorf("vmm: failed to stage guest image: %w", err)
			}
			defer os.Remove(f.Name())
			if _, err := f.Write(spec.Image); err != nil {
				f.Close()
				return fmt.Errorf("vmm: failed to stage guest image: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("vmm: failed to stage guest image: %w", err)
			}
			args = append(args, "--image", f.Name())
		} else {
			args = append(args, "--guest", spec.Guest)
		}

		logrus.WithFields(logrus.Fields{"vm": spec.ID, "vcpus": spec.VCPUs}).Debug("spawning VM worker")
		cmd := exec.CommandContext(ctx, executable, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("vmm: worker for %s failed: %w", spec.ID, err)
		}
		return nil
	}
}
