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
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	tk "github.com/loxilb-io/loxilib"
	cmn "github.com/loxilb-io/loxivport/common"
	"github.com/loxilb-io/loxivport/pkg/rcu"
	vp "github.com/loxilb-io/loxivport/pkg/vport"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

const (
	testWorkers = 2
	testQLen    = 8
)

var errNoDev = errors.New("no such device")

func TestMain(m *testing.M) {
	tk.LogItInit(filepath.Join(os.TempDir(), "vswitch-test.log"), tk.LogError, false)
	vp.SetMaxCPU(testWorkers)
	os.Exit(m.Run())
}

type fakeDev struct {
	name   string
	rx     vp.RxHandler
	mtx    sync.Mutex
	mtu    int
	sent   [][]byte
	closed bool
}

func (d *fakeDev) Name() string { return d.name }

func (d *fakeDev) MTU() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.mtu
}

func (d *fakeDev) SetMTU(mtu int) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.mtu = mtu
	return nil
}

func (d *fakeDev) Transmit(frame []byte) (int, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.sent = append(d.sent, append([]byte(nil), frame...))
	return len(frame), nil
}

func (d *fakeDev) Close() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDev) nSent() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.sent)
}

func (d *fakeDev) isClosed() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.closed
}

type fakeUnderlay struct {
	kind    cmn.VportType
	dstPort uint16
	rx      vp.TunnelRxHandler
	mtx     sync.Mutex
	nSent   int
	closed  bool
}

func (u *fakeUnderlay) WriteIPv4(h *ipv4.Header, payload []byte) error {
	u.mtx.Lock()
	defer u.mtx.Unlock()
	u.nSent++
	return nil
}

func (u *fakeUnderlay) LocalAddr() net.IP { return net.IPv4(10, 0, 0, 1).To4() }

func (u *fakeUnderlay) Close() error {
	u.mtx.Lock()
	defer u.mtx.Unlock()
	u.closed = true
	return nil
}

// fakeEnv - devices in known can be opened, internal devices are always
// created
type fakeEnv struct {
	mtx   sync.Mutex
	known map[string]bool
	devs  map[string]*fakeDev
	uls   map[uint16]*fakeUnderlay
}

func newFakeEnv(known ...string) *fakeEnv {
	env := &fakeEnv{
		known: make(map[string]bool),
		devs:  make(map[string]*fakeDev),
		uls:   make(map[uint16]*fakeUnderlay),
	}
	for _, n := range known {
		env.known[n] = true
	}
	return env
}

func (e *fakeEnv) OpenDevice(name string, rx vp.RxHandler) (vp.Device, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if !e.known[name] {
		return nil, errNoDev
	}
	d := &fakeDev{name: name, rx: rx, mtu: 1500}
	e.devs[name] = d
	return d, nil
}

func (e *fakeEnv) CreateInternalDevice(name string, rx vp.RxHandler) (vp.Device, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	d := &fakeDev{name: name, rx: rx, mtu: 1500}
	e.devs[name] = d
	return d, nil
}

func (e *fakeEnv) OpenUnderlay(t cmn.VportType, dstPort uint16, rx vp.TunnelRxHandler) (vp.Underlay, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	u := &fakeUnderlay{kind: t, dstPort: dstPort, rx: rx}
	e.uls[dstPort] = u
	return u, nil
}

func (e *fakeEnv) dev(name string) *fakeDev {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.devs[name]
}

func (e *fakeEnv) underlay(dstPort uint16) *fakeUnderlay {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.uls[dstPort]
}

func newTestDatapath(t *testing.T, known ...string) (*Datapath, *fakeEnv) {
	t.Helper()

	rd := rcu.DomainInit(testWorkers)
	reg := vp.RegistryInit(rd)
	env := newFakeEnv(known...)

	dp, err := DatapathInit("dp0", &vp.Net{ID: 1, Name: "test"}, env, reg, testWorkers, testQLen)
	require.NoError(t, err)

	t.Cleanup(func() {
		dp.DatapathDestroy()
		rd.Stop()
	})
	return dp, env
}

// ethFrame - an ethernet frame of n bytes with a local experimental
// ethertype
func ethFrame(n int) []byte {
	frame := make([]byte, n)
	copy(frame[0:6], []byte{0x02, 0, 0, 0, 0, 0x02})
	copy(frame[6:12], []byte{0x02, 0, 0, 0, 0, 0x01})
	frame[12] = 0x88
	frame[13] = 0xb5
	for i := 14; i < n; i++ {
		frame[i] = byte(i)
	}
	return frame
}
