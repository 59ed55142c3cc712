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

package vport

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	tk "github.com/loxilb-io/loxilib"
	"github.com/loxilb-io/loxivport/pkg/rcu"
)

// constants
const (
	VportHashBuckets = 1024
)

// Registry - hash table of vports keyed by namespace and name. Lookups run
// inside an rcu read section or under the registry lock. Changes are made
// under the registry lock only.
type Registry struct {
	mtx     sync.Mutex
	held    atomic.Bool
	rcu     *rcu.Domain
	buckets [VportHashBuckets]atomic.Pointer[Vport]
	count   int
}

// RegistryInit - initialize a vport registry reclaiming through rd
func RegistryInit(rd *rcu.Domain) *Registry {
	r := new(Registry)
	r.rcu = rd
	return r
}

// Lock - take the registry lock
func (r *Registry) Lock() {
	r.mtx.Lock()
	r.held.Store(true)
}

// Unlock - release the registry lock
func (r *Registry) Unlock() {
	r.held.Store(false)
	r.mtx.Unlock()
}

// RCU - grace period domain of the registry
func (r *Registry) RCU() *rcu.Domain {
	return r.rcu
}

func (r *Registry) assertLocked(op string) {
	if !r.held.Load() {
		tk.LogIt(tk.LogCritical, "vport %s - registry lock not held\n", op)
		panic("vport: registry lock not held for " + op)
	}
}

func (r *Registry) bucket(net *Net, name string) *atomic.Pointer[Vport] {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], net.ID)

	d := xxhash.New()
	d.Write(id[:])
	d.WriteString(name)
	return &r.buckets[d.Sum64()&(VportHashBuckets-1)]
}

// Locate - find the vport called name in namespace net. Returns nil when
// there is none.
func (r *Registry) Locate(net *Net, name string) *Vport {
	b := r.bucket(net, name)
	for v := b.Load(); v != nil; v = v.hashNext.Load() {
		if v.ops.GetName(v) == name && v.Dp.Net().ID == net.ID {
			return v
		}
	}
	return nil
}

// Add - create a vport as described by parms and make it visible to
// lookups. The registry lock must be held.
func (r *Registry) Add(parms *Parms) (*Vport, error) {
	r.assertLocked("add")

	if parms.Dp == nil {
		return nil, ErrInval
	}

	if r.Locate(parms.Dp.Net(), parms.Name) != nil {
		tk.LogIt(tk.LogError, "vport add - %s exists\n", parms.Name)
		return nil, ErrExists
	}

	ops := lookupOps(parms.Type)
	if ops == nil {
		tk.LogIt(tk.LogError, "vport add - %s unknown type %s\n", parms.Name, parms.Type)
		return nil, ErrAfNoSupport
	}

	v, err := ops.Create(parms)
	if err != nil {
		tk.LogIt(tk.LogError, "vport add - %s create failed %s\n", parms.Name, err)
		return nil, err
	}

	v.reg = r
	b := r.bucket(v.Dp.Net(), v.ops.GetName(v))
	v.hashNext.Store(b.Load())
	b.Store(v)
	r.count++

	tk.LogIt(tk.LogDebug, "vport add - %s:%d type %s\n", parms.Name, v.PortNo, parms.Type)
	return v, nil
}

// Del - remove v from lookups and destroy it. The registry lock must be
// held. Memory is released by the type's destroy through DeferredFree.
func (r *Registry) Del(v *Vport) {
	r.assertLocked("del")

	name := v.ops.GetName(v)
	prev := r.bucket(v.Dp.Net(), name)
	for cur := prev.Load(); cur != nil; cur = cur.hashNext.Load() {
		if cur == v {
			// readers already on v still reach the rest of the chain
			prev.Store(v.hashNext.Load())
			r.count--
			break
		}
		prev = &cur.hashNext
	}

	tk.LogIt(tk.LogDebug, "vport del - %s:%d\n", name, v.PortNo)
	v.ops.Destroy(v)
}

// DeferredFree - free v after a grace period
func (r *Registry) DeferredFree(v *Vport) {
	r.rcu.Call(v.Free)
}

// Count - number of registered vports. The registry lock must be held.
func (r *Registry) Count() int {
	return r.count
}

// Walk - call fn for every registered vport until it returns false. Must
// run under the registry lock or inside a read section.
func (r *Registry) Walk(fn func(v *Vport) bool) {
	for i := range r.buckets {
		for v := r.buckets[i].Load(); v != nil; v = v.hashNext.Load() {
			if !fn(v) {
				return
			}
		}
	}
}
