package process

import (
	"errors"
	"os"
	"sync"
)

// children tracks every process started through Start together with the
// managed process that requested it. Platforms without process groups walk
// it at kill time.
var children = NewRegistry()

// Registry is a parent/child index of started processes.
type Registry struct {
	mu     sync.Mutex
	procs  map[int]*os.Process
	kids   map[int]map[int]struct{}
	parent map[int]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		procs:  make(map[int]*os.Process),
		kids:   make(map[int]map[int]struct{}),
		parent: make(map[int]int),
	}
}

// Add records p as a child of parent. Parent 0 is the root.
func (r *Registry) Add(parent int, p *os.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.Pid] = p
	r.parent[p.Pid] = parent
	if r.kids[parent] == nil {
		r.kids[parent] = make(map[int]struct{})
	}
	r.kids[parent][p.Pid] = struct{}{}
}

// Remove forgets pid. Its children are re-parented to pid's parent so they
// stay reachable from the surviving ancestors.
func (r *Registry) Remove(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	parent, ok := r.parent[pid]
	if !ok {
		return
	}
	delete(r.kids[parent], pid)
	if len(r.kids[parent]) == 0 {
		delete(r.kids, parent)
	}
	for kid := range r.kids[pid] {
		r.parent[kid] = parent
		if r.kids[parent] == nil {
			r.kids[parent] = make(map[int]struct{})
		}
		r.kids[parent][kid] = struct{}{}
	}
	delete(r.kids, pid)
	delete(r.parent, pid)
	delete(r.procs, pid)
}

// Descendants lists the registered descendants of pid, deepest first.
func (r *Registry) Descendants(pid int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	var walk func(int)
	walk = func(p int) {
		for kid := range r.kids[p] {
			walk(kid)
			out = append(out, kid)
		}
	}
	walk(pid)
	return out
}

// Signal delivers sig to every registered descendant of pid, deepest first,
// and then to pid itself.
func (r *Registry) Signal(pid int, sig os.Signal) error {
	var errs []error
	for _, kid := range r.Descendants(pid) {
		if err := r.signalOne(kid, sig); err != nil && !processGone(err) {
			errs = append(errs, err)
		}
	}
	if err := r.signalOne(pid, sig); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Registry) signalOne(pid int, sig os.Signal) error {
	r.mu.Lock()
	p := r.procs[pid]
	r.mu.Unlock()
	if p == nil {
		var err error
		if p, err = os.FindProcess(pid); err != nil {
			return err
		}
	}
	return p.Signal(sig)
}
