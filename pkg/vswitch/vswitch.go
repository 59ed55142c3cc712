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
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	tk "github.com/loxilb-io/loxilib"
	cmn "github.com/loxilb-io/loxivport/common"
	opts "github.com/loxilb-io/loxivport/options"
	"github.com/loxilb-io/loxivport/pkg/rcu"
	vp "github.com/loxilb-io/loxivport/pkg/vport"
)

// constants
const (
	VswitchTiVal = 10
)

type vSwitchH struct {
	rd     *rcu.Domain
	reg    *vp.Registry
	dp     *Datapath
	env    *LinuxEnv
	na     *NetAPIStruct
	ticker *time.Ticker
	tDone  chan bool
	sigCh  chan os.Signal
	wg     sync.WaitGroup
	logger *tk.Logger
	ready  bool
}

var mh vSwitchH

// NodeWalker - an implementation of node walker interface
func (h *vSwitchH) NodeWalker(b string) {
	tk.LogIt(tk.LogDebug, "%s\n", b)
}

// vSwitchTicker - this ticker routine runs every VswitchTiVal seconds
func vSwitchTicker() {
	defer mh.wg.Done()

	for {
		select {
		case <-mh.tDone:
			return
		case sig := <-mh.sigCh:
			tk.LogIt(tk.LogCritical, "Shutdown on sig %v\n", sig)
			mh.dp.DatapathDestroy()
			mh.env.Stop()
			mh.rd.Stop()
			return
		case t := <-mh.ticker.C:
			tk.LogIt(-1, "Tick at %v\n", t)
			mh.reg.Lock()
			Vports2String(mh.dp, &mh)
			mh.reg.Unlock()
			st := mh.dp.Stats()
			tk.LogIt(tk.LogDebug, "datapath %s - missed %d lost %d\n", mh.dp.Name(), st.Missed, st.Lost)
		}
	}
}

// vSwitchPortsInit - create the ports named in the options
func vSwitchPortsInit(na *NetAPIStruct) {
	lists := []struct {
		list string
		t    cmn.VportType
	}{
		{opts.Opts.Internal, cmn.VportTypeInternal},
		{opts.Opts.Ports, cmn.VportTypeNetdev},
		{opts.Opts.Vxlan, cmn.VportTypeVxlan},
		{opts.Opts.Gre, cmn.VportTypeGre},
	}

	for _, l := range lists {
		mods, err := ListString2Mods(l.list, l.t)
		if err != nil {
			tk.LogIt(tk.LogError, "%s ports - %s\n", l.t, err)
			continue
		}
		for i := range mods {
			if _, err := na.NetVportAdd(&mods[i]); err != nil {
				tk.LogIt(tk.LogError, "vport %s add failed %s\n", mods[i].Name, err)
			}
		}
	}
}

func vSwitchInit() {
	// Initialize logger and specify the log file
	logLevel := LogString2Level(opts.Opts.LogLevel)
	mh.logger = tk.LogItInit(opts.Opts.LogFile, logLevel, true)

	nWorkers := opts.Opts.Workers
	if nWorkers <= 0 {
		nWorkers = runtime.NumCPU()
	}
	vp.SetMaxCPU(nWorkers)

	net, err := NetCurrent()
	if err != nil {
		tk.LogIt(tk.LogEmerg, "netns identity failed %s\n", err)
		os.Exit(1)
	}

	mh.rd = rcu.DomainInit(nWorkers)
	mh.reg = vp.RegistryInit(mh.rd)
	mh.env = LinuxEnvInit()
	mh.dp, err = DatapathInit(opts.Opts.Datapath, net, mh.env, mh.reg, nWorkers, opts.Opts.UpcallQLen)
	if err != nil {
		tk.LogIt(tk.LogEmerg, "datapath %s init failed %s\n", opts.Opts.Datapath, err)
		os.Exit(1)
	}
	mh.na = NetAPIInit(mh.dp)

	vSwitchPortsInit(mh.na)

	// Initialize the Prometheus subsystem
	if opts.Opts.Prometheus {
		PrometheusInit(mh.dp, mh.na, opts.Opts.PrometheusPort)
	}

	mh.sigCh = make(chan os.Signal, 5)
	signal.Notify(mh.sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Initialize the vswitch global ticker(s)
	mh.tDone = make(chan bool)
	mh.ticker = time.NewTicker(VswitchTiVal * time.Second)
	mh.wg.Add(1)
	go vSwitchTicker()

	mh.ready = true
}

// vSwitchRun - wait until the switch is shut down
func vSwitchRun() {
	// Stack trace logger
	defer func() {
		if e := recover(); e != nil {
			tk.LogIt(tk.LogCritical, "%s: %s", e, debug.Stack())
			os.Exit(1)
		}
	}()
	mh.wg.Wait()
}

// Main - main routine of vswitch
func Main() {
	vSwitchInit()
	vSwitchRun()
}
