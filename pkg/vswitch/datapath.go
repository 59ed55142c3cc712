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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	tk "github.com/loxilb-io/loxilib"
	cmn "github.com/loxilb-io/loxivport/common"
	vp "github.com/loxilb-io/loxivport/pkg/vport"
	"golang.org/x/net/ipv4"
)

// constants
const (
	MaxPorts    = 1024
	LocalPortNo = 0
	MaxUpcallQ  = 64
)

// ErrNoPortNo - all port numbers are in use
var ErrNoPortNo = errors.New("no free port number")

// Upcall - a packet handed to userspace
type Upcall struct {
	PortNo uint32
	Pkt    *vp.Packet
}

// DpStats - datapath counters
type DpStats struct {
	Hit    uint64
	Missed uint64
	Lost   uint64
}

// Datapath - a switch instance owning a set of vports
type Datapath struct {
	name  string
	net   *vp.Net
	env   Env
	reg   *vp.Registry
	ports [MaxPorts]atomic.Pointer[vp.Vport]
	mark  *tk.Counter
	wp    *WorkerPool

	upcallMtx  sync.RWMutex
	upcalls    map[uint32]chan *Upcall
	upcallQLen int

	nHit    atomic.Uint64
	nMissed atomic.Uint64
	nLost   atomic.Uint64
}

// DatapathInit - create a datapath called name in namespace net with
// nWorkers packet workers. The registry's rcu domain must have at least
// nWorkers slots and nWorkers may not exceed the vport cpu count. The local
// internal port is created as port 0.
func DatapathInit(name string, net *vp.Net, env Env, reg *vp.Registry, nWorkers, upcallQLen int) (*Datapath, error) {
	if nWorkers <= 0 || nWorkers > reg.RCU().Slots() || nWorkers > vp.MaxCPU() {
		return nil, fmt.Errorf("datapath %s: bad worker count %d", name, nWorkers)
	}
	if upcallQLen <= 0 {
		upcallQLen = WorkQLen
	}

	dp := new(Datapath)
	dp.name = name
	dp.net = net
	dp.env = env
	dp.reg = reg
	dp.mark = tk.NewCounter(1, MaxPorts-1)
	dp.upcalls = make(map[uint32]chan *Upcall)
	dp.upcallQLen = upcallQLen
	dp.wp = WorkerPoolInit(dp, nWorkers, reg.RCU())

	reg.Lock()
	_, err := dp.portAdd(&cmn.VportMod{Name: name, Type: cmn.VportTypeInternal}, LocalPortNo)
	reg.Unlock()
	if err != nil {
		tk.LogIt(tk.LogError, "datapath %s - local port failed %s\n", name, err)
		dp.wp.Stop()
		return nil, err
	}

	tk.LogIt(tk.LogInfo, "datapath %s - created in %s with %d workers\n", name, net.Name, nWorkers)
	return dp, nil
}

// Net - namespace of the datapath
func (dp *Datapath) Net() *vp.Net {
	return dp.net
}

// Name - name of the datapath
func (dp *Datapath) Name() string {
	return dp.name
}

// Registry - vport registry of the datapath
func (dp *Datapath) Registry() *vp.Registry {
	return dp.reg
}

// Workers - number of packet workers
func (dp *Datapath) Workers() int {
	return dp.wp.Len()
}

// ProcessReceivedPacket - there are no flows so every packet misses and
// is queued to the upcall queue of its vport
func (dp *Datapath) ProcessReceivedPacket(v *vp.Vport, pkt *vp.Packet) {
	dp.nMissed.Add(1)

	q := dp.upcallQueue(v.UpcallPortID(), false)
	if q != nil {
		select {
		case q <- &Upcall{PortNo: v.PortNo, Pkt: pkt}:
			return
		default:
		}
	}

	dp.nLost.Add(1)
	pkt.Free()
}

func (dp *Datapath) upcallQueue(id uint32, create bool) chan *Upcall {
	dp.upcallMtx.RLock()
	q := dp.upcalls[id]
	dp.upcallMtx.RUnlock()
	if q != nil || !create {
		return q
	}

	dp.upcallMtx.Lock()
	defer dp.upcallMtx.Unlock()
	if q = dp.upcalls[id]; q == nil {
		if len(dp.upcalls) >= MaxUpcallQ {
			return nil
		}
		q = make(chan *Upcall, dp.upcallQLen)
		dp.upcalls[id] = q
	}
	return q
}

// Upcalls - queue of packets sent to upcall port id
func (dp *Datapath) Upcalls(id uint32) <-chan *Upcall {
	return dp.upcallQueue(id, true)
}

// Stats - datapath counters
func (dp *Datapath) Stats() DpStats {
	return DpStats{
		Hit:    dp.nHit.Load(),
		Missed: dp.nMissed.Load(),
		Lost:   dp.nLost.Load(),
	}
}

// OpenDevice - attach an existing device. Its frames are processed by the
// worker chosen for the device name.
func (dp *Datapath) OpenDevice(name string, rx vp.RxHandler) (vp.Device, error) {
	return dp.env.OpenDevice(name, dp.rxDispatch(name, rx))
}

// CreateInternalDevice - create a device owned by the datapath
func (dp *Datapath) CreateInternalDevice(name string, rx vp.RxHandler) (vp.Device, error) {
	return dp.env.CreateInternalDevice(name, dp.rxDispatch(name, rx))
}

// OpenUnderlay - open the transport of a tunnel vport
func (dp *Datapath) OpenUnderlay(t cmn.VportType, dstPort uint16, rx vp.TunnelRxHandler) (vp.Underlay, error) {
	w := dp.wp.Pick(fmt.Sprintf("%s:%d", t, dstPort))
	return dp.env.OpenUnderlay(t, dstPort, func(_ int, outer *ipv4.Header, payload []byte) {
		if !w.queue(&TunRxWorkQ{Rx: rx, Outer: outer, Payload: payload}) {
			dp.nLost.Add(1)
		}
	})
}

func (dp *Datapath) rxDispatch(name string, rx vp.RxHandler) vp.RxHandler {
	w := dp.wp.Pick(name)
	return func(_ int, pkt *vp.Packet) {
		if !w.queue(&RxWorkQ{Rx: rx, Pkt: pkt}) {
			dp.nLost.Add(1)
			pkt.Free()
		}
	}
}

// Execute - send frame on port portNo. The send runs on a packet worker.
func (dp *Datapath) Execute(portNo uint32, frame []byte, cb vp.Cb) error {
	if portNo >= MaxPorts {
		return vp.ErrInval
	}
	pkt := vp.NewPacket(frame)
	if pkt == nil {
		return vp.ErrNoMem
	}
	pkt.Cb = cb

	if !dp.wp.PickPort(portNo).queue(&TxWorkQ{PortNo: portNo, Pkt: pkt}) {
		dp.nLost.Add(1)
		pkt.Free()
		return errors.New("execute queue full")
	}
	return nil
}

// PortGet - vport with number portNo. Callers run inside a read section
// or under the registry lock.
func (dp *Datapath) PortGet(portNo uint32) *vp.Vport {
	if portNo >= MaxPorts {
		return nil
	}
	return dp.ports[portNo].Load()
}

// PortFindByName - vport of this datapath called name. The registry lock
// must be held.
func (dp *Datapath) PortFindByName(name string) *vp.Vport {
	v := dp.reg.Locate(dp.net, name)
	if v == nil || v.Dp != dp {
		return nil
	}
	return v
}

// portAdd - create and register a vport. The registry lock must be held.
func (dp *Datapath) portAdd(vm *cmn.VportMod, portNo uint32) (*vp.Vport, error) {
	parms := &vp.Parms{
		Name:         vm.Name,
		Type:         vm.Type,
		Options:      vm.Options,
		Dp:           dp,
		PortNo:       portNo,
		UpcallPortID: vm.UpcallPortID,
	}

	v, err := dp.reg.Add(parms)
	if err != nil {
		return nil, err
	}

	dp.upcallQueue(v.UpcallPortID(), true)
	dp.ports[portNo].Store(v)
	return v, nil
}

// PortAdd - add a vport with the next free port number. The registry
// lock must be held.
func (dp *Datapath) PortAdd(vm *cmn.VportMod) (*vp.Vport, error) {
	id, err := dp.mark.GetCounter()
	if err != nil {
		tk.LogIt(tk.LogError, "datapath %s - no port number for %s %s\n", dp.name, vm.Name, err)
		return nil, ErrNoPortNo
	}

	v, err := dp.portAdd(vm, uint32(id))
	if err != nil {
		dp.mark.PutCounter(id)
		return nil, err
	}
	return v, nil
}

// PortDel - unregister and destroy v. The registry lock must be held.
func (dp *Datapath) PortDel(v *vp.Vport) {
	portNo := v.PortNo
	dp.ports[portNo].Store(nil)
	dp.reg.Del(v)
	if portNo != LocalPortNo {
		dp.mark.PutCounter(uint64(portNo))
	}
}

// PortsWalk - call fn for every port in port number order. Must run under
// the registry lock or inside a read section.
func (dp *Datapath) PortsWalk(fn func(v *vp.Vport)) {
	for i := range dp.ports {
		if v := dp.ports[i].Load(); v != nil {
			fn(v)
		}
	}
}

// DatapathDestroy - delete every port and stop the workers
func (dp *Datapath) DatapathDestroy() {
	dp.reg.Lock()
	dp.PortsWalk(func(v *vp.Vport) {
		dp.PortDel(v)
	})
	dp.reg.Unlock()

	dp.wp.Stop()
	dp.reg.RCU().Barrier()

	tk.LogIt(tk.LogInfo, "datapath %s - destroyed\n", dp.name)
}
