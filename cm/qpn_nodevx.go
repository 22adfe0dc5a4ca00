//go:build nodevx

package cm

// DefaultAllocator returns the allocator used when Config.Allocator is nil.
// Builds tagged nodevx never reserve QP numbers.
func DefaultAllocator() QPNAllocator {
	return NewUnsupportedAllocator()
}
