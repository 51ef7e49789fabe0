package rt

// arena is a slot table whose handles carry a generation, so a handle to a
// removed entry stays invalid after its slot is reused. A handle is the slot
// index in the low 16 bits and the generation in the high 16 bits;
// generations start at 1, so 0 is never a valid handle.
type arena[T any] struct {
	slots []slot[T]
	free  []uint32
	live  int
}

type slot[T any] struct {
	gen  uint16
	used bool
	val  T
}

const maxSlots = 1 << 16

func (a *arena[T]) insert(v T) (uint32, error) {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if len(a.slots) >= maxSlots {
			return 0, ErrTooManyHandles
		}
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.val = v
	a.live++
	return uint32(s.gen)<<16 | idx, nil
}

func (a *arena[T]) lookup(h uint32) (*slot[T], bool) {
	idx := h & 0xFFFF
	if idx >= uint32(len(a.slots)) {
		return nil, false
	}
	s := &a.slots[idx]
	if !s.used || uint32(s.gen) != h>>16 {
		return nil, false
	}
	return s, true
}

func (a *arena[T]) get(h uint32) (T, bool) {
	s, ok := a.lookup(h)
	if !ok {
		var zero T
		return zero, false
	}
	return s.val, true
}

func (a *arena[T]) remove(h uint32) (T, bool) {
	s, ok := a.lookup(h)
	if !ok {
		var zero T
		return zero, false
	}
	v := s.val
	var zero T
	s.val = zero
	s.used = false
	a.free = append(a.free, h&0xFFFF)
	a.live--
	return v, true
}

func (a *arena[T]) len() int { return a.live }

// each calls fn for every live entry in slot order.
func (a *arena[T]) each(fn func(h uint32, v T)) {
	for i := range a.slots {
		s := &a.slots[i]
		if s.used {
			fn(uint32(s.gen)<<16|uint32(i), s.val)
		}
	}
}
