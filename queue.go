// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import "container/list"

// Queue is component C2: an ordered, deduplicated staging area of
// endpoints awaiting admission. It is the idiomatic replacement for the
// original program's OrderedDict-as-set: a doubly linked list gives O(1)
// PollOldest, and a side map gives O(1) Offer/membership checks.
type Queue struct {
	order *list.List
	index map[Endpoint]*list.Element
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		order: list.New(),
		index: make(map[Endpoint]*list.Element),
	}
}

// Offer appends endpoint to the queue unless it is already present, in
// which case it is a no-op (spec §3's "repeated insertion... is a no-op").
func (q *Queue) Offer(endpoint Endpoint) {
	if _, exists := q.index[endpoint]; exists {
		return
	}
	q.index[endpoint] = q.order.PushBack(endpoint)
}

// PollOldest removes and returns the longest-queued endpoint. The second
// return value is false if the queue is empty.
func (q *Queue) PollOldest() (Endpoint, bool) {
	front := q.order.Front()
	if front == nil {
		return Endpoint{}, false
	}
	q.order.Remove(front)
	endpoint := front.Value.(Endpoint)
	delete(q.index, endpoint)
	return endpoint, true
}

// Len returns the number of endpoints currently staged.
func (q *Queue) Len() int {
	return q.order.Len()
}
