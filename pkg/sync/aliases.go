// Copyright 2020 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

// Package sync provides synchronization primitives used throughout vmcore.
//
// Lock types are referred to through this package rather than the standard
// library so that the locking discipline reads the same in every package.
package sync

import (
	"sync"
)

// Lock and condition types. The locks of each package document the order
// in which they are acquired.
type (
	// Mutex is sync.Mutex.
	Mutex = sync.Mutex

	// RWMutex is sync.RWMutex.
	RWMutex = sync.RWMutex

	// Locker is sync.Locker.
	Locker = sync.Locker

	// Cond is sync.Cond.
	Cond = sync.Cond

	// Once is sync.Once.
	Once = sync.Once

	// WaitGroup is sync.WaitGroup.
	WaitGroup = sync.WaitGroup
)

// NewCond returns a condition variable using l.
func NewCond(l Locker) *Cond {
	return sync.NewCond(l)
}
