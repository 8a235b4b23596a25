package manager

import (
	"sort"
	"sync"
	"time"
)

// Registry is the shared bookkeeping for clusters created on behalf of flows:
// how many flows use each cluster name, the last known cluster id per name,
// and the cluster ids some flow asked to keep alive.
//
// Every read-modify-write spanning more than one of those maps runs under a single mutex,
// which is never held across provisioning calls.
// Provisioning and arbitration for one name are serialized with LockName instead.
type Registry struct {
	mut       sync.Mutex
	refs      map[string]int
	ids       map[string]string
	keepAlive map[string]time.Time
	names     map[string]*nameLock

	now func() time.Time
}

type nameLock struct {
	mut   sync.Mutex
	users int
}

func NewRegistry() *Registry {
	return &Registry{
		refs:      map[string]int{},
		ids:       map[string]string{},
		keepAlive: map[string]time.Time{},
		names:     map[string]*nameLock{},
		now:       time.Now,
	}
}

// LockName blocks until the caller holds the provisioning lock for name, and returns the function releasing it.
// Locks are dropped from the registry once nobody holds or waits for them.
func (r *Registry) LockName(name string) (unlock func()) {
	r.mut.Lock()
	l, ok := r.names[name]
	if !ok {
		l = &nameLock{}
		r.names[name] = l
	}
	l.users++
	r.mut.Unlock()

	l.mut.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mut.Unlock()
			r.mut.Lock()
			l.users--
			if l.users == 0 {
				delete(r.names, name)
			}
			r.mut.Unlock()
		})
	}
}

// Acquire adds a reference to name and returns the new count, along with the cached id if there is one.
func (r *Registry) Acquire(name string) (count int, cachedID string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.refs[name]++
	return r.refs[name], r.ids[name]
}

// Release drops one reference to name and returns the remaining count.
// The entry is removed once the count reaches zero; it never goes negative.
func (r *Registry) Release(name string) int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.release(name)
}

func (r *Registry) release(name string) int {
	n, ok := r.refs[name]
	if !ok {
		return 0
	}
	n--
	if n <= 0 {
		delete(r.refs, name)
		return 0
	}
	r.refs[name] = n
	return n
}

func (r *Registry) Refs(name string) int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.refs[name]
}

func (r *Registry) CachedID(name string) (string, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	id, ok := r.ids[name]
	return id, ok
}

func (r *Registry) CacheID(name, id string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.ids[name] = id
}

// EvictID forgets the cached id of name, if it is still the given id.
// An empty id evicts unconditionally.
func (r *Registry) EvictID(name, id string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if cur, ok := r.ids[name]; ok && (id == "" || cur == id) {
		delete(r.ids, name)
	}
}

func (r *Registry) KeepAlive(id string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if _, ok := r.keepAlive[id]; !ok {
		r.keepAlive[id] = r.now()
	}
}

func (r *Registry) IsKeptAlive(id string) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	_, ok := r.keepAlive[id]
	return ok
}

// Cleanup forgets everything about a cluster: its keep-alive entry, its cached id and its reference count.
func (r *Registry) Cleanup(id, name string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.cleanup(id, name)
}

func (r *Registry) cleanup(id, name string) {
	if id != "" {
		delete(r.keepAlive, id)
	}
	if name != "" {
		delete(r.refs, name)
		delete(r.ids, name)
	}
}

// Verdict is the outcome of a flow giving up its reference to a cluster.
type Verdict struct {
	Remaining int
	// Last is true if no other flow references the cluster name anymore.
	Last bool
	// OthersOK is false if some flow that used the cluster vetoed its termination.
	OthersOK bool
	// Terminate is true if the cluster should be terminated. Bookkeeping was already cleaned up in that case.
	Terminate bool
}

// Finish drops the reference a finished flow held on a cluster and decides whether the cluster can be terminated.
// thisFlowOK is the flow's own termination policy; a veto is recorded in the keep-alive set
// whether or not this flow was the last one, so it is honored regardless of finishing order.
func (r *Registry) Finish(id, name string, thisFlowOK bool) Verdict {
	r.mut.Lock()
	defer r.mut.Unlock()

	var v Verdict
	v.Remaining = r.release(name)
	v.Last = v.Remaining <= 0

	if !thisFlowOK {
		if _, ok := r.keepAlive[id]; !ok {
			r.keepAlive[id] = r.now()
		}
		return v
	}
	if !v.Last {
		return v
	}

	_, vetoed := r.keepAlive[id]
	v.OthersOK = !vetoed
	if v.OthersOK {
		v.Terminate = true
		r.cleanup(id, name)
	}
	return v
}

// Entry is a point-in-time view of one cluster name.
type Entry struct {
	Name     string `json:"name"`
	Refs     int    `json:"refs"`
	CachedID string `json:"cached_id,omitempty"`
}

// KeptAlive is a point-in-time view of one keep-alive override.
type KeptAlive struct {
	ID    string    `json:"id"`
	Since time.Time `json:"since"`
	// Referenced is true if some tracked name still has live references and caches this id.
	Referenced bool `json:"referenced"`
}

// Snapshot is a consistent copy of the registry.
type Snapshot struct {
	Entries   []Entry     `json:"entries"`
	KeepAlive []KeptAlive `json:"keep_alive"`
}

func (r *Registry) Snapshot() Snapshot {
	r.mut.Lock()
	defer r.mut.Unlock()

	names := map[string]struct{}{}
	for n := range r.refs {
		names[n] = struct{}{}
	}
	for n := range r.ids {
		names[n] = struct{}{}
	}

	var s Snapshot
	referenced := map[string]bool{}
	for n := range names {
		e := Entry{Name: n, Refs: r.refs[n], CachedID: r.ids[n]}
		if e.Refs > 0 && e.CachedID != "" {
			referenced[e.CachedID] = true
		}
		s.Entries = append(s.Entries, e)
	}
	for id, since := range r.keepAlive {
		s.KeepAlive = append(s.KeepAlive, KeptAlive{ID: id, Since: since, Referenced: referenced[id]})
	}
	sort.Slice(s.Entries, func(i, j int) bool { return s.Entries[i].Name < s.Entries[j].Name })
	sort.Slice(s.KeepAlive, func(i, j int) bool { return s.KeepAlive[i].ID < s.KeepAlive[j].ID })
	return s
}

// forgetIfIdle drops the keep-alive entry for id and any unreferenced cache entries pointing to it.
// It returns false and changes nothing if some name caching id still has live references.
func (r *Registry) forgetIfIdle(id string) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	for name, cached := range r.ids {
		if cached == id && r.refs[name] > 0 {
			return false
		}
	}
	delete(r.keepAlive, id)
	for name, cached := range r.ids {
		if cached == id {
			delete(r.ids, name)
		}
	}
	return true
}

func (r *Registry) size() (names, keptAlive int) {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.refs), len(r.keepAlive)
}

// evictIfIdle forgets the cached id of name if it is still id and no flow references name.
func (r *Registry) evictIfIdle(name, id string) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.refs[name] > 0 || r.ids[name] != id {
		return false
	}
	delete(r.ids, name)
	return true
}
