package containers

// Stack is a LIFO container. It is not safe for concurrent use.
type Stack[T any] struct {
	items []T
}

func NewStack[T any](capacity int) *Stack[T] {
	return &Stack[T]{items: make([]T, 0, capacity)}
}

func (s *Stack[T]) Push(v T) {
	s.items = append(s.items, v)
}

// Pop removes the top element. ok is false when the stack is empty.
func (s *Stack[T]) Pop() (v T, ok bool) {
	n := len(s.items)
	if n == 0 {
		return v, false
	}
	v = s.items[n-1]
	var zero T
	s.items[n-1] = zero
	s.items = s.items[:n-1]
	return v, true
}

func (s *Stack[T]) Len() int {
	return len(s.items)
}

// Each calls fn for every element from bottom to top.
func (s *Stack[T]) Each(fn func(T)) {
	for _, v := range s.items {
		fn(v)
	}
}

// Clear drops every element and returns them.
func (s *Stack[T]) Clear() []T {
	items := s.items
	s.items = make([]T, 0, cap(items))
	return items
}
