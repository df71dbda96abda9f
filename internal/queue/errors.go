package queue

import "errors"

var (
	ErrQueueClosed = errors.New("queue is closed")

	// ErrItemNotFound means no dead letter has the given id
	ErrItemNotFound = errors.New("dead letter not found")

	// ErrMaxRetriesExceeded is wrapped by workers that give up on an item
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrMalformedItem means a stored payload no longer decodes into the
	// queue's item type. Dequeue still returns the items that did decode.
	ErrMalformedItem = errors.New("malformed queue item")
)
