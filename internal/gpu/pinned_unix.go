//go:build linux || darwin || freebsd

package gpu

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocPinned maps anonymous memory and locks it into RAM. When the memlock
// rlimit refuses the lock the mapping is kept as pageable memory and locked
// is false.
func allocPinned(n int) (b []byte, locked bool, err error) {
	if n == 0 {
		return []byte{}, false, nil
	}
	b, err = unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, false, fmt.Errorf("%w: mmap %d bytes: %v", ErrOutOfHostMemory, n, err)
	}
	if err := unix.Mlock(b); err != nil {
		return b, false, nil
	}
	return b, true, nil
}

func freePinned(b []byte, locked bool) error {
	if len(b) == 0 {
		return nil
	}
	if locked {
		if err := unix.Munlock(b); err != nil {
			return err
		}
	}
	return unix.Munmap(b)
}
