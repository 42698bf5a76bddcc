//go:build !linux

package worker

import "fmt"

func pinThread(cpu int) error {
	return fmt.Errorf("cpu pinning is not supported on this platform (cpu %d)", cpu)
}
