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
	"sync"
	"sync/atomic"

	tk "github.com/loxilb-io/loxilib"
	cmn "github.com/loxilb-io/loxivport/common"
)

// attribute types
const (
	VportAttrOptions = 4
)

// Vport - a port of a switch instance. The type specific state lives in
// priv and is owned by the type's operations.
type Vport struct {
	PortNo uint32
	Dp     Datapath

	upcallPortID atomic.Uint32
	ops          *Ops
	priv         any

	hashNext atomic.Pointer[Vport]
	reg      *Registry

	percpu      []pcpuStats
	statsLock   sync.Mutex
	errStats    errStats
	offsetStats cmn.VportStats

	freed atomic.Bool
}

// Alloc - allocate and initialize a vport for a type. The caller sets
// the type specific state with SetPriv.
func Alloc(ops *Ops, parms *Parms) (*Vport, error) {
	if ops == nil || parms == nil {
		return nil, ErrInval
	}

	percpu := percpuAlloc(MaxCPU())
	if percpu == nil {
		tk.LogIt(tk.LogError, "vport alloc - %s no memory for stats\n", parms.Name)
		return nil, ErrNoMem
	}

	v := new(Vport)
	v.PortNo = parms.PortNo
	v.Dp = parms.Dp
	v.upcallPortID.Store(parms.UpcallPortID)
	v.ops = ops
	v.percpu = percpu

	return v, nil
}

// Free - release a vport. No reader may still hold a reference to v.
func (v *Vport) Free() {
	if !v.freed.CompareAndSwap(false, true) {
		tk.LogIt(tk.LogError, "vport free - port %d already freed\n", v.PortNo)
		return
	}
	v.percpu = nil
	v.priv = nil
}

// Freed - whether the vport was released
func (v *Vport) Freed() bool {
	return v.freed.Load()
}

// DeferredFree - release v once every reader that might reference it has
// finished. Does not wait.
func (v *Vport) DeferredFree() {
	if v.reg == nil {
		v.Free()
		return
	}
	v.reg.DeferredFree(v)
}

// Ops - operations of the vport type
func (v *Vport) Ops() *Ops {
	return v.ops
}

// Type - type of the vport
func (v *Vport) Type() cmn.VportType {
	return v.ops.Type
}

// Name - name of the vport
func (v *Vport) Name() string {
	return v.ops.GetName(v)
}

// Priv - type specific state of the vport
func (v *Vport) Priv() any {
	return v.priv
}

// SetPriv - attach type specific state to the vport
func (v *Vport) SetPriv(priv any) {
	v.priv = priv
}

// UpcallPortID - upcall destination of packets received on the vport
func (v *Vport) UpcallPortID() uint32 {
	return v.upcallPortID.Load()
}

// SetUpcallPortID - change the upcall destination of the vport
func (v *Vport) SetUpcallPortID(id uint32) {
	v.upcallPortID.Store(id)
}

// GetOptions - append the options of v as a nested attribute to buf. Types
// without options add nothing. On failure buf is left as it was.
func (v *Vport) GetOptions(buf *OptBuf) error {
	if v.ops.GetOptions == nil {
		return nil
	}

	nest, err := buf.NestStart(VportAttrOptions)
	if err != nil {
		return ErrMsgSize
	}

	if err := v.ops.GetOptions(v, buf); err != nil {
		buf.NestCancel(nest)
		return err
	}

	buf.NestEnd(nest)
	return nil
}

// SetOptions - apply netlink encoded options to v
func (v *Vport) SetOptions(attrs []byte) error {
	if v.ops.SetOptions == nil {
		return ErrNotSupported
	}
	return v.ops.SetOptions(v, attrs)
}

// Receive - account a frame received on v and hand it to the datapath
func (v *Vport) Receive(cpu int, pkt *Packet, tunKey *TunnelKey) {
	v.countRx(cpu, pkt.Len())

	pkt.Cb.TunKey = tunKey
	pkt.Cb.InPort = v.PortNo
	v.Dp.ProcessReceivedPacket(v, pkt)
}
