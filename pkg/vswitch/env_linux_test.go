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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	nlp "github.com/vishvananda/netlink"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

func linkUpdate(typ uint16, index, mtu int) nlp.LinkUpdate {
	return nlp.LinkUpdate{
		Header: unix.NlMsghdr{Type: typ},
		Link:   &nlp.Device{LinkAttrs: nlp.LinkAttrs{Index: index, MTU: mtu}},
	}
}

func TestLinkMTUCache(t *testing.T) {
	e := LinuxEnvInit()
	d := &linkDev{env: e, name: "eth9", index: 42}
	d.mtu.Store(1500)

	e.mtx.Lock()
	e.links[d.index] = d
	e.mtx.Unlock()

	e.luWorkSingle(linkUpdate(unix.RTM_NEWLINK, 42, 9000))
	assert.Equal(t, 9000, d.MTU())

	e.luWorkSingle(linkUpdate(unix.RTM_NEWLINK, 43, 1400))
	e.luWorkSingle(linkUpdate(unix.RTM_DELLINK, 42, 1400))
	e.luWorkSingle(linkUpdate(unix.RTM_NEWLINK, 42, 0))
	e.luWorkSingle(nlp.LinkUpdate{Header: unix.NlMsghdr{Type: unix.RTM_NEWLINK}})
	assert.Equal(t, 9000, d.MTU())

	e.linkDetach(d)
	e.mtx.Lock()
	_, ok := e.links[42]
	e.mtx.Unlock()
	assert.False(t, ok)

	e.luWorkSingle(linkUpdate(unix.RTM_NEWLINK, 42, 1280))
	assert.Equal(t, 9000, d.MTU())

	e.Stop()
	e.Stop()
}

func TestSendOnlyFilter(t *testing.T) {
	prog, err := bpf.Assemble(sendOnlyFilter())
	require.NoError(t, err)
	assert.Len(t, prog, 1)

	vm, err := bpf.NewVM(sendOnlyFilter())
	require.NoError(t, err)
	for _, n := range []int{8, 64, 1500} {
		out, err := vm.Run(make([]byte, n))
		require.NoError(t, err)
		assert.Equal(t, 0, out, "datagram of %d bytes accepted", n)
	}
}
