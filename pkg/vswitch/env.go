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
	"github.com/cespare/xxhash/v2"
	cmn "github.com/loxilb-io/loxivport/common"
	vp "github.com/loxilb-io/loxivport/pkg/vport"
	"github.com/vishvananda/netns"
)

// Env - device and underlay back-ends of a datapath. Handlers passed to
// an Env may be called from any goroutine; the datapath moves the work
// to its packet workers.
type Env interface {
	OpenDevice(name string, rx vp.RxHandler) (vp.Device, error)
	CreateInternalDevice(name string, rx vp.RxHandler) (vp.Device, error)
	OpenUnderlay(t cmn.VportType, dstPort uint16, rx vp.TunnelRxHandler) (vp.Underlay, error)
}

// NetCurrent - identity of the network namespace of the calling thread
func NetCurrent() (*vp.Net, error) {
	ns, err := netns.Get()
	if err != nil {
		return nil, err
	}
	defer ns.Close()

	uid := ns.UniqueId()
	return &vp.Net{ID: xxhash.Sum64String(uid), Name: uid}, nil
}
