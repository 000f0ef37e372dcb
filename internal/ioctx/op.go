package ioctx

import "branchnet/internal/result"

// OpID identifies a registered operation within its Context.
type OpID uint64

// Op is a handle on a registered handler. The Context owns the handler
// until the operation is completed or canceled, whichever comes first;
// the loser of that race observes false.
type Op[T any] struct {
	c  *Context
	id OpID
}

// Register stores h and returns the handle that will complete it.
func Register[T any](c *Context, h func(error, T)) Op[T] {
	c.mu.Lock()
	c.nextOp++
	id := OpID(c.nextOp)
	c.ops[id] = h
	c.mu.Unlock()
	return Op[T]{c: c, id: id}
}

// ID is zero for the zero Op.
func (o Op[T]) ID() OpID {
	return o.id
}

// Pending reports whether the handler has not been claimed yet.
func (o Op[T]) Pending() bool {
	if o.c == nil {
		return false
	}
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	_, ok := o.c.ops[o.id]
	return ok
}

func (o Op[T]) take() (func(error, T), bool) {
	if o.c == nil {
		return nil, false
	}
	o.c.mu.Lock()
	h, ok := o.c.ops[o.id]
	if ok {
		delete(o.c.ops, o.id)
	}
	o.c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return h.(func(error, T)), true
}

// Complete claims the handler and posts its invocation with err and v.
func (o Op[T]) Complete(err error, v T) bool {
	h, ok := o.take()
	if !ok {
		return false
	}
	o.c.Post(func() { h(err, v) })
	return true
}

// Cancel claims the handler and posts it with result.Canceled.
func (o Op[T]) Cancel() bool {
	var zero T
	return o.Complete(result.Canceled, zero)
}
