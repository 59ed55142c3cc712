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

	cmn "github.com/loxilb-io/loxivport/common"
	vp "github.com/loxilb-io/loxivport/pkg/vport"
)

// This file implements interface defined in cmn.VportHookInterface
// The implementation is thread-safe and can be called by multiple-clients at once

// error codes
const (
	VportBaseErr = iota - 3000
	VportExistsErr
	VportNotExistErr
	VportCounterErr
	VportTypeErr
	VportCreateErr
	VportLocalErr
	VportOptsErr
	VportNoDpErr
)

// constants
const (
	VportOptBufLen = 256
)

// NetAPIStruct - struct for anchoring client routines of a datapath
type NetAPIStruct struct {
	dp *Datapath
}

// NetAPIInit - Initialize a new instance of NetAPI for dp
func NetAPIInit(dp *Datapath) *NetAPIStruct {
	na := new(NetAPIStruct)
	na.dp = dp
	return na
}

func (na *NetAPIStruct) lock() (*vp.Registry, error) {
	if na.dp == nil {
		return nil, errors.New("no datapath")
	}
	reg := na.dp.Registry()
	reg.Lock()
	return reg, nil
}

// NetVportAdd - Add a vport to the datapath
func (na *NetAPIStruct) NetVportAdd(vm *cmn.VportMod) (int, error) {
	reg, err := na.lock()
	if err != nil {
		return VportNoDpErr, err
	}
	defer reg.Unlock()

	_, err = na.dp.PortAdd(vm)
	switch {
	case err == nil:
		return 0, nil
	case errors.Is(err, vp.ErrExists):
		return VportExistsErr, errors.New("vport exists")
	case errors.Is(err, vp.ErrAfNoSupport):
		return VportTypeErr, errors.New("vport type not supported")
	case errors.Is(err, vp.ErrMsgSize), errors.Is(err, vp.ErrInval):
		return VportOptsErr, err
	case errors.Is(err, ErrNoPortNo):
		return VportCounterErr, err
	}
	return VportCreateErr, err
}

// NetVportDel - Delete a vport from the datapath
func (na *NetAPIStruct) NetVportDel(vm *cmn.VportMod) (int, error) {
	reg, err := na.lock()
	if err != nil {
		return VportNoDpErr, err
	}
	defer reg.Unlock()

	v := na.dp.PortFindByName(vm.Name)
	if v == nil {
		return VportNotExistErr, errors.New("no such vport")
	}
	if v.PortNo == LocalPortNo {
		return VportLocalErr, errors.New("local vport can't be deleted")
	}

	na.dp.PortDel(v)
	return 0, nil
}

// vportDump - user visible information of v
func vportDump(v *vp.Vport) cmn.VportDump {
	d := cmn.VportDump{
		Name:         v.Name(),
		Type:         v.Type().String(),
		PortNo:       v.PortNo,
		UpcallPortID: v.UpcallPortID(),
		Stats:        v.GetStats(),
	}

	buf := vp.NewOptBuf(VportOptBufLen)
	if err := v.GetOptions(buf); err == nil && buf.Len() > 0 {
		if attrs, err := vp.ParseAttrs(buf.Bytes()); err == nil && len(attrs) == 1 {
			d.Options = attrs[0].Value
		}
	}
	return d
}

// NetVportGet - Get the vports of the datapath in port number order
func (na *NetAPIStruct) NetVportGet() ([]cmn.VportDump, error) {
	reg, err := na.lock()
	if err != nil {
		return nil, err
	}
	defer reg.Unlock()

	var ret []cmn.VportDump
	na.dp.PortsWalk(func(v *vp.Vport) {
		ret = append(ret, vportDump(v))
	})
	return ret, nil
}

// NetVportSetStats - Set the statistics offset of a vport
func (na *NetAPIStruct) NetVportSetStats(name string, stats *cmn.VportStats) (int, error) {
	reg, err := na.lock()
	if err != nil {
		return VportNoDpErr, err
	}
	defer reg.Unlock()

	v := na.dp.PortFindByName(name)
	if v == nil {
		return VportNotExistErr, errors.New("no such vport")
	}
	v.SetStats(stats)
	return 0, nil
}

// NetVportSetOptions - Change the options of a vport
func (na *NetAPIStruct) NetVportSetOptions(vm *cmn.VportMod) (int, error) {
	reg, err := na.lock()
	if err != nil {
		return VportNoDpErr, err
	}
	defer reg.Unlock()

	v := na.dp.PortFindByName(vm.Name)
	if v == nil {
		return VportNotExistErr, errors.New("no such vport")
	}
	if err := v.SetOptions(vm.Options); err != nil {
		return VportOptsErr, err
	}
	return 0, nil
}

// NetVportSetUpcallPortID - Change the upcall destination of a vport
func (na *NetAPIStruct) NetVportSetUpcallPortID(vm *cmn.VportMod) (int, error) {
	reg, err := na.lock()
	if err != nil {
		return VportNoDpErr, err
	}
	defer reg.Unlock()

	v := na.dp.PortFindByName(vm.Name)
	if v == nil {
		return VportNotExistErr, errors.New("no such vport")
	}
	na.dp.upcallQueue(vm.UpcallPortID, true)
	v.SetUpcallPortID(vm.UpcallPortID)
	return 0, nil
}
