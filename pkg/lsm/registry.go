package lsm

import (
	"fmt"
	"path/filepath"
	"sync"
)

// The process-wide registry of open instances, keyed by name. Opening a
// name that is already open returns the same live handle instead of a
// second conflicting instance over the same storage root.
type registry struct {
	mu        sync.Mutex
	instances map[string]*registryEntry
}

type registryEntry struct {
	inst *Instance
	refs int
}

var defaultRegistry = &registry{instances: make(map[string]*registryEntry)}

// Open opens (or creates) the named storage instance under opts.Dir.
// Each successful Open must be paired with one Close; the instance shuts
// down when its last handle is closed. If the name is already open, the
// existing handle is returned and opts is ignored.
func Open(name string, opts Options) (*Instance, error) {
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return nil, fmt.Errorf("lsm: invalid instance name %q", name)
	}
	return defaultRegistry.open(name, opts)
}

func (r *registry) open(name string, opts Options) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.instances[name]; ok {
		e.refs++
		return e.inst, nil
	}
	inst, err := openInstance(name, opts)
	if err != nil {
		return nil, err
	}
	r.instances[name] = &registryEntry{inst: inst, refs: 1}
	return inst, nil
}

func (r *registry) release(inst *Instance) error {
	r.mu.Lock()
	e, ok := r.instances[inst.name]
	if !ok || e.inst != inst {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.instances, inst.name)
	r.mu.Unlock()
	return inst.shutdown()
}
