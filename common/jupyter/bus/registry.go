package bus

import (
	"context"
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// KernelRegistry records the kernels that are currently alive and how to reach them.
//
// Lookups report membership explicitly. A missing kernel is (nil, false, nil), never an error.
type KernelRegistry interface {
	// Register adds or replaces the connection information of a kernel.
	Register(ctx context.Context, kernelID string, info *ConnectionInfo) error

	// Lookup returns the connection information of a kernel and whether the kernel is registered.
	Lookup(ctx context.Context, kernelID string) (*ConnectionInfo, bool, error)

	// Remove deletes a kernel and returns whether it was registered.
	Remove(ctx context.Context, kernelID string) (bool, error)

	// KernelIDs returns the ids of every registered kernel, sorted.
	KernelIDs(ctx context.Context) ([]string, error)
}

// MemoryRegistry is a process-local KernelRegistry.
type MemoryRegistry struct {
	kernels cmap.ConcurrentMap[string, *ConnectionInfo]
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		kernels: cmap.New[*ConnectionInfo](),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, kernelID string, info *ConnectionInfo) error {
	r.kernels.Set(kernelID, info)
	return nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, kernelID string) (*ConnectionInfo, bool, error) {
	info, ok := r.kernels.Get(kernelID)
	return info, ok, nil
}

func (r *MemoryRegistry) Remove(_ context.Context, kernelID string) (bool, error) {
	_, ok := r.kernels.Pop(kernelID)
	return ok, nil
}

func (r *MemoryRegistry) KernelIDs(_ context.Context) ([]string, error) {
	ids := r.kernels.Keys()
	sort.Strings(ids)
	return ids, nil
}
