//go:build !nodevx

package cm

// DefaultAllocator returns the allocator used when Config.Allocator is nil.
func DefaultAllocator() QPNAllocator {
	return NewDevXAllocator()
}
