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

package vswitch

import (
	"runtime/debug"
	"sync"

	"github.com/cespare/xxhash/v2"
	tk "github.com/loxilb-io/loxilib"
	"github.com/loxilb-io/loxivport/pkg/rcu"
	vp "github.com/loxilb-io/loxivport/pkg/vport"
	"golang.org/x/net/ipv4"
)

// constants
const (
	WorkQLen = 1024
)

// RxWorkQ - a frame received from a device
type RxWorkQ struct {
	Rx  vp.RxHandler
	Pkt *vp.Packet
}

// TunRxWorkQ - a payload received from a tunnel underlay
type TunRxWorkQ struct {
	Rx      vp.TunnelRxHandler
	Outer   *ipv4.Header
	Payload []byte
}

// TxWorkQ - a packet to send on a datapath port
type TxWorkQ struct {
	PortNo uint32
	Pkt    *vp.Packet
}

// Worker - a packet worker. It owns one cpu index of the vport statistics
// and one read slot of the rcu domain.
type Worker struct {
	cpu  int
	dp   *Datapath
	rd   *rcu.Domain
	ch   chan interface{}
	fin  chan struct{}
	done chan struct{}
}

func workerInit(dp *Datapath, cpu int, rd *rcu.Domain) *Worker {
	w := new(Worker)
	w.cpu = cpu
	w.dp = dp
	w.rd = rd
	w.ch = make(chan interface{}, WorkQLen)
	w.fin = make(chan struct{})
	w.done = make(chan struct{})
	return w
}

// queue - hand m to the worker without blocking. Returns false when the
// queue is full.
func (w *Worker) queue(m interface{}) bool {
	select {
	case w.ch <- m:
		return true
	default:
		return false
	}
}

// workSingle - routine to work on a single work queue request
func (w *Worker) workSingle(m interface{}) {
	w.rd.ReadLock(w.cpu)
	defer w.rd.ReadUnlock(w.cpu)

	switch wq := m.(type) {
	case *RxWorkQ:
		wq.Rx(w.cpu, wq.Pkt)
	case *TunRxWorkQ:
		wq.Rx(w.cpu, wq.Outer, wq.Payload)
	case *TxWorkQ:
		v := w.dp.PortGet(wq.PortNo)
		if v == nil {
			w.dp.nLost.Add(1)
			wq.Pkt.Free()
			return
		}
		v.Send(w.cpu, wq.Pkt)
	default:
		tk.LogIt(tk.LogError, "unexpected type %T\n", wq)
	}
}

// run - worker routine listening on its channel
func (w *Worker) run() {
	// Stack trace logger
	defer func() {
		if e := recover(); e != nil {
			tk.LogIt(tk.LogCritical, "%s: %s", e, debug.Stack())
			panic(e)
		}
	}()
	defer close(w.done)

	for {
		select {
		case m := <-w.ch:
			w.workSingle(m)
		case <-w.fin:
			w.drain()
			return
		}
	}
}

// drain - free packets still queued at shutdown
func (w *Worker) drain() {
	for {
		select {
		case m := <-w.ch:
			switch wq := m.(type) {
			case *RxWorkQ:
				wq.Pkt.Free()
			case *TxWorkQ:
				wq.Pkt.Free()
			}
		default:
			return
		}
	}
}

// WorkerPool - the packet workers of a datapath
type WorkerPool struct {
	workers []*Worker
	once    sync.Once
}

// WorkerPoolInit - start n workers reading through rd. rd must have at
// least n slots.
func WorkerPoolInit(dp *Datapath, n int, rd *rcu.Domain) *WorkerPool {
	wp := new(WorkerPool)
	for i := 0; i < n; i++ {
		w := workerInit(dp, i, rd)
		wp.workers = append(wp.workers, w)
		go w.run()
	}
	return wp
}

// Len - number of workers
func (wp *WorkerPool) Len() int {
	return len(wp.workers)
}

// Pick - worker serving key. The same key always maps to the same worker
// which keeps per-device ordering.
func (wp *WorkerPool) Pick(key string) *Worker {
	return wp.workers[xxhash.Sum64String(key)%uint64(len(wp.workers))]
}

// PickPort - worker serving transmits on a datapath port
func (wp *WorkerPool) PickPort(portNo uint32) *Worker {
	return wp.workers[int(portNo)%len(wp.workers)]
}

// Stop - stop all workers and wait for them
func (wp *WorkerPool) Stop() {
	wp.once.Do(func() {
		for _, w := range wp.workers {
			close(w.fin)
		}
		for _, w := range wp.workers {
			<-w.done
		}
	})
}
