// Package ordering reorders collected test items so that tests relying on
// savepoint isolation run before tests that really commit.
package ordering

// Item is a collected test as the reordering pass sees it.
type Item interface {
	// ModuleKey identifies the module the item was collected from.
	ModuleKey() string
	// Transactional reports whether the item belongs to a transactional class.
	Transactional() bool
}

// Reorder returns a new slice holding every non-transactional item in its
// original order, followed by the transactional items grouped by module.
// Modules appear in the order their first transactional item was met, and
// items keep their original order within a module. items is not modified.
func Reorder[T Item](items []T) []T {
	out := make([]T, 0, len(items))
	var modules []string
	groups := make(map[string][]T)

	for _, it := range items {
		if !it.Transactional() {
			out = append(out, it)
			continue
		}
		key := it.ModuleKey()
		if _, seen := groups[key]; !seen {
			modules = append(modules, key)
		}
		groups[key] = append(groups[key], it)
	}
	for _, key := range modules {
		out = append(out, groups[key]...)
	}
	return out
}

// Filter returns the non-transactional items, in order.
func Filter[T Item](items []T) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if !it.Transactional() {
			out = append(out, it)
		}
	}
	return out
}

// Deferred counts the items Reorder moves behind the rest.
func Deferred[T Item](items []T) int {
	n := 0
	for _, it := range items {
		if it.Transactional() {
			n++
		}
	}
	return n
}

// LastOfModule reports whether item is the last one of its module in items,
// i.e. the next item (if any) comes from another module.
func LastOfModule[T Item](items []T, i int) bool {
	return i == len(items)-1 || items[i+1].ModuleKey() != items[i].ModuleKey()
}
