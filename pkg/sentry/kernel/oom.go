// Copyright 2026 The gVisor Authors.
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

package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/metric"
	"gvisor.dev/vmcore/pkg/sentry/mm"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

var oomKills = metric.MustCreateNewUint64Metric("/kernel/oom_kills", "Number of processes killed because a fault could not get a frame.")

// OOMPolicy controls the response to a fault that finds no free frame: ask
// the reclaimers for frames and retry the fault with exponential backoff,
// and kill the process once the retries run out.
type OOMPolicy struct {
	// MaxRetries is the number of times the fault is retried.
	MaxRetries uint64

	// InitialInterval is the delay before the second retry. Later delays
	// grow exponentially.
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration

	// ReclaimBatch is the number of frames asked of the reclaimers before
	// each retry.
	ReclaimBatch uint64
}

// DefaultOOMPolicy returns the policy used when none is configured.
func DefaultOOMPolicy() OOMPolicy {
	return OOMPolicy{
		MaxRetries:      3,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     100 * time.Millisecond,
		ReclaimBatch:    16,
	}
}

func (o OOMPolicy) validate() error {
	switch {
	case o.InitialInterval < 0 || o.MaxInterval < o.InitialInterval:
		return fmt.Errorf("invalid OOM retry intervals %v, %v", o.InitialInterval, o.MaxInterval)
	case o.ReclaimBatch == 0:
		return fmt.Errorf("OOM reclaim batch must be positive")
	}
	return nil
}

func (o OOMPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialInterval
	b.MaxInterval = o.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, o.MaxRetries), ctx)
}

// Reclaimer frees frames under memory pressure.
type Reclaimer interface {
	// Reclaim tries to free frames frames and returns the number freed.
	Reclaim(ctx context.Context, frames uint64) uint64
}

// ReclaimerFunc is a function that implements Reclaimer.
type ReclaimerFunc func(ctx context.Context, frames uint64) uint64

// Reclaim implements Reclaimer.Reclaim.
func (f ReclaimerFunc) Reclaim(ctx context.Context, frames uint64) uint64 {
	return f(ctx, frames)
}

// AddReclaimer registers r. Reclaimers run in registration order until
// enough frames are freed.
func (k *Kernel) AddReclaimer(r Reclaimer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reclaimers = append(k.reclaimers, r)
}

// reclaim asks the reclaimers for frames and returns the number freed.
func (k *Kernel) reclaim(ctx context.Context, frames uint64) uint64 {
	k.mu.Lock()
	rs := append([]Reclaimer(nil), k.reclaimers...)
	k.mu.Unlock()
	var freed uint64
	for _, r := range rs {
		if freed >= frames {
			break
		}
		freed += r.Reclaim(ctx, frames-freed)
	}
	return freed
}

// reclaimFilePages is the built-in reclaimer. It drops clean file pages
// from every process.
func (k *Kernel) reclaimFilePages(_ context.Context, frames uint64) uint64 {
	var freed uint64
	for _, p := range k.Processes() {
		if freed >= frames {
			break
		}
		// The caller may hold the faulting process's mu, so never block.
		if !p.mu.TryRLock() {
			continue
		}
		if p.mm != nil {
			freed += p.mm.ReclaimClean(frames - freed)
		}
		p.mu.RUnlock()
	}
	return freed
}

// retryAfterReclaim applies k's OOM policy to a fault of p on addr that
// returned OutOfMemory. It returns the response of the last attempt.
//
// Preconditions: p.mu must be locked for reading; m is p's address space.
func (k *Kernel) retryAfterReclaim(ctx context.Context, p *Process, m *mm.MemoryManager, addr hostarch.Addr, at hostarch.AccessType) mm.PageFaultResponse {
	resp := mm.OutOfMemory
	attempt := 0
	op := func() error {
		attempt++
		freed := k.reclaim(ctx, k.oom.ReclaimBatch)
		resp = m.HandleFault(ctx, addr, at)
		switch resp {
		case mm.OutOfMemory:
			return fmt.Errorf("attempt %d after reclaiming %d frames: %w", attempt, freed, pgalloc.ErrOutOfMemory)
		case mm.ShouldCrash:
			return backoff.Permanent(fmt.Errorf("fault became unresolvable"))
		}
		return nil
	}
	notify := func(err error, d time.Duration) {
		k.oomLog.Warningf("%v: fault at %v still out of memory (%v); retrying in %v", p, addr, err, d)
	}
	if err := backoff.RetryNotify(op, k.oom.backOff(ctx), notify); err != nil {
		k.oomLog.Warningf("%v: giving up on fault at %v: %v", p, addr, err)
	}
	return resp
}
