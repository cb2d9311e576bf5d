package gpu

import "unsafe"

// Uint32s reinterprets b as native-endian uint32 values. b must be 4-byte
// aligned, which holds for every buffer a Device hands out.
func Uint32s(b []byte) []uint32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Int16s reinterprets b as native-endian int16 values.
func Int16s(b []byte) []int16 {
	if len(b) < 2 {
		return nil
	}
	return unsafe.Slice((*int16)(unsafe.Pointer(&b[0])), len(b)/2)
}

// alignedBytes returns a zeroed byte slice backed by 8-byte aligned storage.
func alignedBytes(n int) []byte {
	if n == 0 {
		return []byte{}
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}
