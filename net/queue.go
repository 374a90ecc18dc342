package net

import "github.com/eapache/queue"

// msgQueue is a typed FIFO over eapache/queue. It is not synchronized; every
// queue belongs to one lock domain of its socket.
type msgQueue[M any] struct {
	q *queue.Queue
}

func newMsgQueue[M any]() *msgQueue[M] {
	return &msgQueue[M]{q: queue.New()}
}

func (x *msgQueue[M]) Len() int {
	return x.q.Length()
}

func (x *msgQueue[M]) Add(m M) {
	x.q.Add(m)
}

func (x *msgQueue[M]) Peek() (M, bool) {
	if x.q.Length() == 0 {
		var zero M
		return zero, false
	}
	return x.q.Peek().(M), true
}

func (x *msgQueue[M]) Remove() (M, bool) {
	if x.q.Length() == 0 {
		var zero M
		return zero, false
	}
	return x.q.Remove().(M), true
}

func (x *msgQueue[M]) PopAll() []M {
	all := make([]M, 0, x.q.Length())
	for x.q.Length() > 0 {
		all = append(all, x.q.Remove().(M))
	}
	return all
}

func (x *msgQueue[M]) Clear() {
	x.q = queue.New()
}
