// Package set is a minimal generic set used to detect duplicate names.
package set

type Set[T comparable] struct {
	set map[T]struct{}
}

// Of returns a set holding the given items.
func Of[T comparable](items ...T) *Set[T] {
	s := &Set[T]{}
	for _, item := range items {
		s.Insert(item)
	}
	return s
}

// Insert adds k and reports whether it was absent before.
func (s *Set[T]) Insert(k T) bool {
	if s.set == nil {
		s.set = make(map[T]struct{})
	}
	if _, ok := s.set[k]; ok {
		return false
	}
	s.set[k] = struct{}{}
	return true
}

func (s *Set[T]) Contains(k T) bool {
	_, ok := s.set[k]
	return ok
}

func (s *Set[T]) Len() int {
	return len(s.set)
}
