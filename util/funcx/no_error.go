package funcx

// MustNoError returns v and panics if err is not nil.
func MustNoError[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// NoError returns v and discards err.
func NoError[T any](v T, _ error) T {
	return v
}
