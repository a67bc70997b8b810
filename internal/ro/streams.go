// Package ro provides the reactive stream helpers styxy uses, built on
// samber/ro. Streams back the two write-behind pipelines in the daemon:
// the debounced snapshot saver and the audit log writer.
//
// Use streams for channel-fed, event-driven plumbing only; bounded data
// transformations belong to samber/lo, and hot paths stay synchronous.
package ro

import (
	"time"

	"github.com/samber/ro"
)

// StreamFromChannel creates an Observable from a receive-only channel.
// When the channel is closed, the Observable completes.
func StreamFromChannel[T any](ch <-chan T) ro.Observable[T] {
	return ro.FromChannel(ch)
}

// BufferWithTime buffers items for a duration, then emits them as a
// slice. Bursts of events coalesce into one batch per window.
func BufferWithTime[T any](source ro.Observable[T], window time.Duration) ro.Observable[[]T] {
	return ro.Pipe1(source, ro.BufferWithTime[T](window))
}

// BufferWithTimeOrCount buffers until either the window elapses or count
// items accumulate, whichever comes first.
func BufferWithTimeOrCount[T any](source ro.Observable[T], count int, window time.Duration) ro.Observable[[]T] {
	return ro.Pipe1(source, ro.BufferWithTimeOrCount[T](count, window))
}

// Drain subscribes to a stream on the calling goroutine and invokes next
// for every item until the stream completes. An error aborts the drain
// and is returned.
func Drain[T any](source ro.Observable[T], next func(T)) error {
	var subErr error
	source.Subscribe(ro.NewObserver(
		func(item T) { next(item) },
		func(err error) { subErr = err },
		func() {},
	))
	return subErr
}
