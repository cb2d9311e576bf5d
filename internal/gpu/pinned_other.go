//go:build !linux && !darwin && !freebsd

package gpu

func allocPinned(n int) ([]byte, bool, error) {
	return alignedBytes(n), false, nil
}

func freePinned(b []byte, locked bool) error {
	return nil
}
