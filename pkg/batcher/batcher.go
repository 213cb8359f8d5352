/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package batcher coalesces many individual backend requests arriving
// within a short window into one batch executor call. The K8s adapter
// uses it for pod creates; no other backend call goes through it.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Result is what Add returns for one item once its batch has executed.
type Result[O any] struct {
	Output *O
	Err    error
}

// BatchExecutor runs a whole batch of items at once and returns one
// Result per item, in the same order.
type BatchExecutor[I, O any] func(ctx context.Context, items []*I) []Result[O]

// Options configures a Batcher.
type Options[I, O any] struct {
	// Name identifies this batcher in metrics.
	Name string
	// IdleTimeout is how long the window waits after its last Add
	// before executing, as long as MaxTimeout hasn't elapsed.
	IdleTimeout time.Duration
	// MaxTimeout bounds how long a window can be extended by further
	// Adds before it executes regardless.
	MaxTimeout time.Duration
	// MaxItems executes the window immediately once reached.
	MaxItems int
	// BatchExecutor runs the accumulated items.
	BatchExecutor BatchExecutor[I, O]
}

type request[I, O any] struct {
	item   *I
	result chan Result[O]
}

// Batcher groups concurrent Add calls into windowed batches and
// dispatches each window through a single BatchExecutor call.
type Batcher[I, O any] struct {
	options Options[I, O]

	mu       sync.Mutex
	pending  []*request[I, O]
	timer    *time.Timer
	maxTimer *time.Timer
}

// NewBatcher constructs a Batcher. The caller is responsible for
// passing a ctx to each Add call; the batcher itself holds no
// background goroutine between windows.
func NewBatcher[I, O any](_ context.Context, options Options[I, O]) *Batcher[I, O] {
	if options.MaxItems <= 0 {
		options.MaxItems = 1000
	}
	return &Batcher[I, O]{options: options}
}

// Add enqueues item into the current (or a new) batching window and
// blocks until that window executes.
func (b *Batcher[I, O]) Add(ctx context.Context, item *I) Result[O] {
	req := &request[I, O]{item: item, result: make(chan Result[O], 1)}

	b.mu.Lock()
	b.pending = append(b.pending, req)
	flush := len(b.pending) >= b.options.MaxItems
	if b.timer == nil {
		b.maxTimer = time.AfterFunc(b.options.MaxTimeout, func() { b.flush() })
	} else {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.options.IdleTimeout, func() { b.flush() })
	b.mu.Unlock()

	if flush {
		b.flush()
	}

	select {
	case res := <-req.result:
		return res
	case <-ctx.Done():
		return Result[O]{Err: ctx.Err()}
	}
}

// flush executes whatever is currently pending, if anything still is
// once it acquires the lock (a concurrent flush may have already
// drained the window).
func (b *Batcher[I, O]) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.maxTimer != nil {
		b.maxTimer.Stop()
		b.maxTimer = nil
	}
	b.mu.Unlock()

	started := time.Now()
	items := lo.Map(batch, func(r *request[I, O], _ int) *I { return r.item })
	results := b.options.BatchExecutor(context.Background(), items)

	BatchWindowDuration.WithLabelValues(b.options.Name).Observe(time.Since(started).Seconds())
	BatchSize.WithLabelValues(b.options.Name).Observe(float64(len(batch)))

	for i, r := range batch {
		if i < len(results) {
			r.result <- results[i]
		} else {
			r.result <- Result[O]{Err: context.Canceled}
		}
	}
}
