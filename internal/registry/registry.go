// Package registry owns the set of registered watches once the config has
// been loaded and each watch has been installed with the kernel notification
// adapter. It is built once at startup and is read-only thereafter.
//
// The registry is backed by a map rather than an array indexed by
// watchID-1: inotify happens to hand out densely-packed watch descriptors
// starting at 1 on a single, never-recycled instance, but relying on that
// would tie watch lookup to an implementation detail of one kernel facility
// rather than to the {watch id -> watch} relationship gidget actually needs.
package registry

import (
	"fmt"
	"sync"

	"github.com/mew-cx/gidget/internal/config"
	"github.com/mew-cx/gidget/internal/diag"
)

// Installer is the subset of the kernel notification adapter the registry
// needs to add a watch. internal/notify.Adapter satisfies this.
type Installer interface {
	Install(path string, mask uint32) (uint32, error)
}

// Registry maps kernel-issued watch ids back to the watch description that
// produced them. Safe for concurrent lookup; Add is only ever called during
// startup from a single goroutine.
type Registry struct {
	mu      sync.RWMutex
	byID    map[uint32]*config.Watch
	ordered []*config.Watch
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[uint32]*config.Watch)}
}

// Add installs the watch with the kernel adapter and, on success, records it
// in the registry under the watch id the kernel assigned. Installation
// failure is reported to the caller rather than treated as fatal: the
// caller logs it and skips that one watch, the rest of startup continues.
func (r *Registry) Add(installer Installer, w config.Watch) (uint32, error) {
	id, err := installer.Install(w.Path, w.Mask)
	if err != nil {
		return 0, fmt.Errorf("adding watch for %s: %w", w.Path, err)
	}
	w.WatchID = id

	r.mu.Lock()
	defer r.mu.Unlock()
	wc := w
	r.byID[id] = &wc
	r.ordered = append(r.ordered, &wc)
	return id, nil
}

// ErrNoSuchWatch is returned by Lookup when no entry matches. This should
// never happen in practice once the registry is built; the caller, not the
// registry, decides how severely to treat it.
var ErrNoSuchWatch = fmt.Errorf("registry: no watch registered for that id")

// Lookup resolves a kernel-issued watch id to its registry entry in O(1).
func (r *Registry) Lookup(watchID uint32) (*config.Watch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byID[watchID]
	if !ok {
		return nil, ErrNoSuchWatch
	}
	return w, nil
}

// Len reports how many watches are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}

// LogState writes a one-line-per-watch verbose dump of the registry.
func (r *Registry) LogState(log *diag.Logger) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, w := range r.ordered {
		log.Infof("trick %d: watch=%d path=%s mask=%d (%#08x) command=%q user=%s mail=%s",
			i, w.WatchID, w.Path, w.Mask, w.Mask, w.Command, w.User, w.MailRecipient)
	}
}
