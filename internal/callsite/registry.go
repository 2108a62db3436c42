package callsite

// Unregistered is returned by Register for labels rejected by the filter.
const Unregistered int32 = -1

type key struct {
	label string
	kind  Kind
}

// Registry maps (label, kind) pairs to dense ids starting at 0. It is not safe
// for concurrent use, callers serialize access.
type Registry struct {
	labeler Labeler
	filter  *Filter
	ids     map[key]int32
	sites   []CallSite
}

// NewRegistry returns an empty registry. A nil labeler is replaced with
// NopLabeler and a nil filter accepts every label.
func NewRegistry(labeler Labeler, filter *Filter) *Registry {
	if labeler == nil {
		labeler = NopLabeler{}
	}
	return &Registry{
		labeler: labeler,
		filter:  filter,
		ids:     make(map[key]int32),
	}
}

// Register returns the id of the call site identified by label and kind,
// assigning the next id on first sighting. ok is false when the filter
// rejects the label.
func (r *Registry) Register(label string, kind Kind) (id int32, ok bool) {
	k := key{label: label, kind: kind}
	if id, ok := r.ids[k]; ok {
		return id, true
	}
	if !r.filter.Passes(label) {
		return Unregistered, false
	}
	id = int32(len(r.sites))
	r.ids[k] = id
	r.sites = append(r.sites, CallSite{
		ID:       id,
		Label:    label,
		Kind:     kind,
		Metadata: r.labeler.Label(label, kind),
	})
	return id, true
}

func (r *Registry) Lookup(id int32) (CallSite, bool) {
	if !r.Valid(id) {
		return CallSite{}, false
	}
	return r.sites[id], true
}

// Valid reports whether id was issued since the last reset.
func (r *Registry) Valid(id int32) bool {
	return id >= 0 && int(id) < len(r.sites)
}

func (r *Registry) Len() int {
	return len(r.sites)
}

// All returns a copy of every registered call site, ordered by id.
func (r *Registry) All() []CallSite {
	sites := make([]CallSite, len(r.sites))
	copy(sites, r.sites)
	return sites
}

// Reset forgets every call site. Ids issued before are no longer valid.
func (r *Registry) Reset() {
	r.ids = make(map[key]int32)
	r.sites = nil
}
