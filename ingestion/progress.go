// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingestion

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// progress reports how many imported entities are durable.
type progress struct {
	w        io.Writer
	total    int
	every    int
	done     int
	reported int
	start    time.Time
	now      func() time.Time
	mu       sync.Mutex
}

func newProgress(w io.Writer, total, every int, now func() time.Time) *progress {
	if every < 1 {
		every = 1
	}
	return &progress{w: w, total: total, every: every, start: now(), now: now}
}

// add records n more settled entities, durable or failed.
func (p *progress) add(n int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = min(p.done+n, p.total)
	if p.done-p.reported >= p.every {
		p.report()
		p.reported = p.done
	}
}

// finish prints the final line. Entities abandoned by a canceled import
// are not counted as done.
func (p *progress) finish() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.report()
	fmt.Fprintln(p.w)
}

// report must be called with the lock held.
func (p *progress) report() {
	pct := 100.0
	if p.total > 0 {
		pct = float64(p.done) / float64(p.total) * 100
	}
	rate := 0.0
	if secs := p.now().Sub(p.start).Seconds(); secs > 0 {
		rate = float64(p.done) / secs
	}
	fmt.Fprintf(p.w, "\rImported: %d/%d (%.1f%%) - %.1f entities/s", p.done, p.total, pct, rate)
}
