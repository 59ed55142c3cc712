/*
 * Copyright (c) 2022 NetLOX Inc
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at:
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package rcu provides a small grace period domain for read-mostly
// structures. Readers announce themselves in a per-worker slot, writers
// unlink objects and hand the final release to Call.
package rcu

import (
	"sync"
	"sync/atomic"
	"time"

	tk "github.com/loxilb-io/loxilib"
	"golang.org/x/sys/cpu"
)

// constants
const (
	syncSpinMax = 64
	syncBackoff = 50 * time.Microsecond
)

// readerSlot - read side state owned by a single worker
type readerSlot struct {
	ctr  atomic.Uint64
	nest int
	_    cpu.CacheLinePad
}

// Domain - grace period domain shared by readers and reclaimers
type Domain struct {
	gp      atomic.Uint64
	slots   []readerSlot
	cbMtx   sync.Mutex
	cbCond  *sync.Cond
	cbs     []func()
	pending int
	stopped bool
	kick    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// DomainInit - initialize a grace period domain with nSlots reader slots
// and start its reclaimer
func DomainInit(nSlots int) *Domain {
	if nSlots <= 0 {
		nSlots = 1
	}
	d := new(Domain)
	d.gp.Store(1)
	d.slots = make([]readerSlot, nSlots)
	d.cbCond = sync.NewCond(&d.cbMtx)
	d.kick = make(chan struct{}, 1)
	d.quit = make(chan struct{})
	d.done = make(chan struct{})

	go d.reclaimer()

	return d
}

// Slots - number of reader slots in this domain
func (d *Domain) Slots() int {
	return len(d.slots)
}

// ReadLock - enter a read side critical section on slot. A slot must only
// be used by one goroutine at a time. Sections nest.
func (d *Domain) ReadLock(slot int) {
	s := &d.slots[slot]
	if s.nest == 0 {
		s.ctr.Store(d.gp.Load())
	}
	s.nest++
}

// ReadUnlock - leave a read side critical section on slot
func (d *Domain) ReadUnlock(slot int) {
	s := &d.slots[slot]
	if s.nest <= 0 {
		tk.LogIt(tk.LogCritical, "rcu - unbalanced read unlock on slot %d\n", slot)
		panic("rcu: unbalanced read unlock")
	}
	s.nest--
	if s.nest == 0 {
		s.ctr.Store(0)
	}
}

// Synchronize - wait until every read side section that was active when
// the call started has finished. Must not be called from inside a read
// section.
func (d *Domain) Synchronize() {
	target := d.gp.Add(1)
	for i := range d.slots {
		s := &d.slots[i]
		for spin := 0; ; spin++ {
			c := s.ctr.Load()
			if c == 0 || c >= target {
				break
			}
			if spin < syncSpinMax {
				continue
			}
			time.Sleep(syncBackoff)
		}
	}
}

// Call - run fn once a full grace period has elapsed. Call never blocks
// on readers. After Stop, fn runs synchronously.
func (d *Domain) Call(fn func()) {
	d.cbMtx.Lock()
	if d.stopped {
		d.cbMtx.Unlock()
		d.Synchronize()
		fn()
		return
	}
	d.cbs = append(d.cbs, fn)
	d.pending++
	d.cbMtx.Unlock()

	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Barrier - wait for all callbacks queued so far to complete. Must not be
// called from a callback.
func (d *Domain) Barrier() {
	d.cbMtx.Lock()
	for d.pending > 0 {
		d.cbCond.Wait()
	}
	d.cbMtx.Unlock()
}

// Pending - number of callbacks queued but not yet run
func (d *Domain) Pending() int {
	d.cbMtx.Lock()
	defer d.cbMtx.Unlock()
	return d.pending
}

// Stop - run outstanding callbacks and stop the reclaimer
func (d *Domain) Stop() {
	d.once.Do(func() {
		d.cbMtx.Lock()
		d.stopped = true
		d.cbMtx.Unlock()
		close(d.quit)
		<-d.done
	})
}

func (d *Domain) reclaimer() {
	defer close(d.done)
	for {
		select {
		case <-d.kick:
			d.drain()
		case <-d.quit:
			d.drain()
			return
		}
	}
}

func (d *Domain) drain() {
	for {
		d.cbMtx.Lock()
		cbs := d.cbs
		d.cbs = nil
		d.cbMtx.Unlock()

		if len(cbs) == 0 {
			return
		}

		d.Synchronize()
		for _, fn := range cbs {
			fn()
		}

		d.cbMtx.Lock()
		d.pending -= len(cbs)
		if d.pending == 0 {
			d.cbCond.Broadcast()
		}
		d.cbMtx.Unlock()
	}
}
