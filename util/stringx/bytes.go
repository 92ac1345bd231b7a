package stringx

import "unsafe"

// ToBytes returns the underlying bytes of the given string without
// copying. The result must not be mutated.
func ToBytes(s *string) []byte {
	if len(*s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(*s), len(*s))
}

// FromBytes returns a string over the given bytes without copying.
// The bytes must not be mutated afterwards.
func FromBytes(bs *[]byte) string {
	if len(*bs) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(*bs), len(*bs))
}
