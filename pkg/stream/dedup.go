package stream

// dedupSet remembers the most recent event IDs up to a fixed window.
// Older IDs are forgotten in insertion order once the window is full;
// re-replay after lag only repeats recent events, so a bounded window
// is sufficient.
type dedupSet struct {
	limit int
	ids   map[string]struct{}
	order []string
	head  int
}

func newDedupSet(limit int) *dedupSet {
	return &dedupSet{
		limit: limit,
		ids:   make(map[string]struct{}, limit),
		order: make([]string, limit),
	}
}

// Add records id and reports whether it was new. Empty IDs are always
// treated as new.
func (d *dedupSet) Add(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := d.ids[id]; ok {
		return false
	}
	if evicted := d.order[d.head]; evicted != "" {
		delete(d.ids, evicted)
	}
	d.order[d.head] = id
	d.head = (d.head + 1) % d.limit
	d.ids[id] = struct{}{}
	return true
}
