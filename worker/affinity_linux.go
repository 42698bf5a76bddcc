//go:build linux

package worker

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pinThread restricts the calling OS thread to a single CPU. The caller must
// hold runtime.LockOSThread.
func pinThread(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("failed to pin thread to cpu %d: %w", cpu, err)
	}

	return nil
}
