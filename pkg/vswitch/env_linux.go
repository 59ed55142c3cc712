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
	"net"
	"os"
	"sync"
	"sync/atomic"

	tk "github.com/loxilb-io/loxilib"
	cmn "github.com/loxilb-io/loxivport/common"
	vp "github.com/loxilb-io/loxivport/pkg/vport"
	"github.com/mdlayher/packet"
	nlp "github.com/vishvananda/netlink"
	"golang.org/x/net/bpf"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// constants
const (
	rxBufLen   = 65536 + vp.EthHdrLen + vp.VlanHdrLen
	LuWorkQLen = 1024
)

// LinuxEnv - devices are netlink links served by packet sockets or TAP
// queues, tunnels ride on UDP and raw IP sockets
type LinuxEnv struct {
	mtx    sync.Mutex
	links  map[int]*linkDev
	luCh   chan nlp.LinkUpdate
	luDone chan struct{}
	once   sync.Once
	stop   sync.Once
}

// LinuxEnvInit - the default environment of a datapath
func LinuxEnvInit() *LinuxEnv {
	env := new(LinuxEnv)
	env.links = make(map[int]*linkDev)
	env.luDone = make(chan struct{})
	return env
}

// linkWatch - follow link updates once the first link is attached
func (e *LinuxEnv) linkWatch() {
	e.once.Do(func() {
		e.luCh = make(chan nlp.LinkUpdate, LuWorkQLen)
		if err := nlp.LinkSubscribe(e.luCh, e.luDone); err != nil {
			tk.LogIt(tk.LogError, "nlp: link subscribe failed %s\n", err)
			return
		}
		tk.LogIt(tk.LogInfo, "nlp: link msgs subscribed\n")
		go e.luWorker()
	})
}

func (e *LinuxEnv) luWorker() {
	for {
		select {
		case m, ok := <-e.luCh:
			if !ok {
				return
			}
			e.luWorkSingle(m)
		case <-e.luDone:
			return
		}
	}
}

// luWorkSingle - refresh the cached mtu of an attached link
func (e *LinuxEnv) luWorkSingle(m nlp.LinkUpdate) {
	if m.Header.Type != unix.RTM_NEWLINK || m.Link == nil {
		return
	}
	attrs := m.Link.Attrs()

	e.mtx.Lock()
	d := e.links[attrs.Index]
	e.mtx.Unlock()

	if d != nil && attrs.MTU > 0 && int64(attrs.MTU) != d.mtu.Load() {
		tk.LogIt(tk.LogInfo, "nlp: %s mtu %d -> %d\n", d.name, d.mtu.Load(), attrs.MTU)
		d.mtu.Store(int64(attrs.MTU))
	}
}

func (e *LinuxEnv) linkAttach(d *linkDev) {
	e.mtx.Lock()
	e.links[d.index] = d
	e.mtx.Unlock()
	e.linkWatch()
}

func (e *LinuxEnv) linkDetach(d *linkDev) {
	e.mtx.Lock()
	if e.links[d.index] == d {
		delete(e.links, d.index)
	}
	e.mtx.Unlock()
}

// Stop - stop following link updates
func (e *LinuxEnv) Stop() {
	e.stop.Do(func() {
		close(e.luDone)
	})
}

// linkDev - common state of link backed devices
type linkDev struct {
	env    *LinuxEnv
	name   string
	index  int
	mtu    atomic.Int64
	closed atomic.Bool
	wg     sync.WaitGroup
}

func (d *linkDev) Name() string {
	return d.name
}

// MTU - cached mtu of the link. It is kept current by SetMTU and by link
// updates so the transmit path never waits on netlink.
func (d *linkDev) MTU() int {
	return int(d.mtu.Load())
}

func (d *linkDev) SetMTU(mtu int) error {
	link, err := nlp.LinkByIndex(d.index)
	if err != nil {
		return err
	}
	if err := nlp.LinkSetMTU(link, mtu); err != nil {
		tk.LogIt(tk.LogError, "nlp: %s mtu %d failed %s\n", d.name, mtu, err)
		return err
	}
	d.mtu.Store(int64(mtu))
	return nil
}

// netDev - an existing ethernet link read and written through a packet
// socket
type netDev struct {
	linkDev
	conn *packet.Conn
}

// OpenDevice - attach the ethernet link called name
func (e *LinuxEnv) OpenDevice(name string, rx vp.RxHandler) (vp.Device, error) {
	link, err := nlp.LinkByName(name)
	if err != nil {
		return nil, err
	}
	attrs := link.Attrs()
	if attrs.Flags&net.FlagLoopback != 0 || attrs.EncapType != "ether" {
		tk.LogIt(tk.LogError, "nlp: %s is not an ethernet link (%s)\n", name, attrs.EncapType)
		return nil, unix.EINVAL
	}

	ifi, err := net.InterfaceByIndex(attrs.Index)
	if err != nil {
		return nil, err
	}
	conn, err := packet.Listen(ifi, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		tk.LogIt(tk.LogError, "nlp: %s packet socket failed %s\n", name, err)
		return nil, err
	}
	if err := conn.SetPromiscuous(true); err != nil {
		tk.LogIt(tk.LogWarning, "nlp: %s promiscuous mode failed %s\n", name, err)
	}

	d := &netDev{conn: conn}
	d.env = e
	d.name = name
	d.index = attrs.Index
	d.mtu.Store(int64(attrs.MTU))
	e.linkAttach(&d.linkDev)

	d.wg.Add(1)
	go d.rxLoop(rx)

	return d, nil
}

func (d *netDev) rxLoop(rx vp.RxHandler) {
	defer d.wg.Done()
	buf := make([]byte, rxBufLen)
	for {
		n, _, err := d.conn.ReadFrom(buf)
		if err != nil {
			if d.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			tk.LogIt(tk.LogDebug, "nlp: %s read failed %s\n", d.name, err)
			continue
		}
		if pkt := vp.NewPacket(buf[:n]); pkt != nil {
			rx(0, pkt)
		}
	}
}

func (d *netDev) Transmit(frame []byte) (int, error) {
	if len(frame) < vp.EthHdrLen {
		return 0, unix.EINVAL
	}
	return d.conn.WriteTo(frame, &packet.Addr{HardwareAddr: net.HardwareAddr(frame[:6])})
}

func (d *netDev) Close() error {
	d.closed.Store(true)
	d.env.linkDetach(&d.linkDev)
	err := d.conn.Close()
	d.wg.Wait()
	return err
}

// tapDev - a TAP link created for an internal port
type tapDev struct {
	linkDev
	link *nlp.Tuntap
	file *os.File
}

// CreateInternalDevice - create a TAP link called name and bring it up
func (e *LinuxEnv) CreateInternalDevice(name string, rx vp.RxHandler) (vp.Device, error) {
	tap := &nlp.Tuntap{
		LinkAttrs:  nlp.LinkAttrs{Name: name},
		Mode:       nlp.TUNTAP_MODE_TAP,
		Flags:      nlp.TUNTAP_NO_PI | nlp.TUNTAP_ONE_QUEUE,
		NonPersist: true,
		Queues:     1,
	}
	if err := nlp.LinkAdd(tap); err != nil {
		tk.LogIt(tk.LogError, "nlp: tap %s add failed %s\n", name, err)
		return nil, err
	}
	if len(tap.Fds) == 0 {
		nlp.LinkDel(tap)
		return nil, fmt.Errorf("tap %s: no queue", name)
	}
	if err := nlp.LinkSetUp(tap); err != nil {
		tk.LogIt(tk.LogError, "nlp: tap %s up failed %s\n", name, err)
	}

	d := &tapDev{link: tap, file: tap.Fds[0]}
	d.env = e
	d.name = tap.Name
	d.index = tap.Index
	d.mtu.Store(int64(tap.MTU))
	if link, err := nlp.LinkByIndex(tap.Index); err == nil {
		d.mtu.Store(int64(link.Attrs().MTU))
	}
	e.linkAttach(&d.linkDev)

	d.wg.Add(1)
	go d.rxLoop(rx)

	return d, nil
}

func (d *tapDev) rxLoop(rx vp.RxHandler) {
	defer d.wg.Done()
	buf := make([]byte, rxBufLen)
	for {
		n, err := d.file.Read(buf)
		if err != nil {
			if d.closed.Load() || errors.Is(err, os.ErrClosed) {
				return
			}
			tk.LogIt(tk.LogDebug, "nlp: tap %s read failed %s\n", d.name, err)
			continue
		}
		if pkt := vp.NewPacket(buf[:n]); pkt != nil {
			rx(0, pkt)
		}
	}
}

func (d *tapDev) Transmit(frame []byte) (int, error) {
	return d.file.Write(frame)
}

func (d *tapDev) Close() error {
	d.closed.Store(true)
	d.env.linkDetach(&d.linkDev)
	err := d.file.Close()
	d.wg.Wait()
	if lerr := nlp.LinkDel(d.link); lerr != nil && err == nil {
		err = lerr
	}
	return err
}

// ipUnderlay - outer ipv4 packets are written on a raw socket of the
// tunnel protocol
type ipUnderlay struct {
	raw    *ipv4.RawConn
	udp    *ipv4.PacketConn
	closed atomic.Bool
	wg     sync.WaitGroup
}

func (u *ipUnderlay) WriteIPv4(h *ipv4.Header, payload []byte) error {
	return u.raw.WriteTo(h, payload, nil)
}

// LocalAddr - zero lets the kernel choose the source address
func (u *ipUnderlay) LocalAddr() net.IP {
	return net.IPv4zero.To4()
}

func (u *ipUnderlay) Close() error {
	u.closed.Store(true)
	err := u.raw.Close()
	if u.udp != nil {
		if uerr := u.udp.Close(); uerr != nil && err == nil {
			err = uerr
		}
	}
	u.wg.Wait()
	return err
}

// sendOnlyFilter - socket filter accepting no packet
func sendOnlyFilter() []bpf.Instruction {
	return []bpf.Instruction{
		bpf.RetConstant{Val: 0},
	}
}

// OpenUnderlay - open the sockets of a vxlan or gre tunnel
func (*LinuxEnv) OpenUnderlay(t cmn.VportType, dstPort uint16, rx vp.TunnelRxHandler) (vp.Underlay, error) {
	u := new(ipUnderlay)

	switch t {
	case cmn.VportTypeVxlan:
		c, err := net.ListenPacket("ip4:udp", "0.0.0.0")
		if err != nil {
			return nil, err
		}
		if u.raw, err = ipv4.NewRawConn(c); err != nil {
			c.Close()
			return nil, err
		}
		// the raw udp socket only sends, keep the host's datagrams out of it
		prog, err := bpf.Assemble(sendOnlyFilter())
		if err == nil {
			err = u.raw.SetBPF(prog)
		}
		if err != nil {
			tk.LogIt(tk.LogWarning, "nlp: vxlan %d send socket filter failed %s\n", dstPort, err)
		}

		uc, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", dstPort))
		if err != nil {
			u.raw.Close()
			return nil, err
		}
		u.udp = ipv4.NewPacketConn(uc)
		if err := u.udp.SetControlMessage(ipv4.FlagTTL|ipv4.FlagDst, true); err != nil {
			tk.LogIt(tk.LogWarning, "nlp: vxlan %d control messages failed %s\n", dstPort, err)
		}

		u.wg.Add(1)
		go u.udpRxLoop(rx)

	case cmn.VportTypeGre:
		c, err := net.ListenPacket("ip4:gre", "0.0.0.0")
		if err != nil {
			return nil, err
		}
		if u.raw, err = ipv4.NewRawConn(c); err != nil {
			c.Close()
			return nil, err
		}

		u.wg.Add(1)
		go u.rawRxLoop(rx)

	default:
		return nil, vp.ErrAfNoSupport
	}

	return u, nil
}

func (u *ipUnderlay) udpRxLoop(rx vp.TunnelRxHandler) {
	defer u.wg.Done()
	buf := make([]byte, rxBufLen)
	for {
		n, cm, src, err := u.udp.ReadFrom(buf)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		h := &ipv4.Header{Version: ipv4.Version, Len: ipv4.HeaderLen, Protocol: unix.IPPROTO_UDP}
		if ua, ok := src.(*net.UDPAddr); ok {
			h.Src = ua.IP
		}
		if cm != nil {
			h.TTL = cm.TTL
			h.Dst = cm.Dst
		}
		rx(0, h, append([]byte(nil), buf[:n]...))
	}
}

func (u *ipUnderlay) rawRxLoop(rx vp.TunnelRxHandler) {
	defer u.wg.Done()
	buf := make([]byte, rxBufLen)
	for {
		h, p, _, err := u.raw.ReadFrom(buf)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		rx(0, h, append([]byte(nil), p...))
	}
}
