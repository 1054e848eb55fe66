//go:build !linux

package tunnel

// Open reports ErrUnsupported outside Linux.
func Open(name string, tap bool) (Device, error) {
	return nil, ErrUnsupported
}
