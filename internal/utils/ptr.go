package utils

// Ptr returns a pointer to a copy of v, for filling nullable fields
func Ptr[T any](v T) *T {
	return &v
}

// Deref returns *p, or the zero value when p is nil
func Deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
