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
	"strings"
	"testing"

	tk "github.com/loxilb-io/loxilib"
	cmn "github.com/loxilb-io/loxivport/common"
	vp "github.com/loxilb-io/loxivport/pkg/vport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineWalker struct {
	lines []string
}

func (w *lineWalker) NodeWalker(b string) {
	w.lines = append(w.lines, b)
}

func TestListString2Mods(t *testing.T) {
	mods, err := ListString2Mods("none", cmn.VportTypeNetdev)
	assert.NoError(t, err)
	assert.Nil(t, mods)

	mods, err = ListString2Mods("eth0, eth1,,", cmn.VportTypeNetdev)
	require.NoError(t, err)
	require.Len(t, mods, 2)
	assert.Equal(t, "eth1", mods[1].Name)
	assert.Equal(t, cmn.VportTypeNetdev, mods[1].Type)
	assert.Nil(t, mods[1].Options)

	mods, err = ListString2Mods("vx0,vx1:4790", cmn.VportTypeVxlan)
	require.NoError(t, err)
	require.Len(t, mods, 2)
	assert.Nil(t, mods[0].Options)
	assert.Equal(t, "vx1", mods[1].Name)
	attrs, err := vp.ParseAttrs(mods[1].Options)
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, vp.TunnelAttrDstPort, vp.AttrType(attrs[0]))

	for _, bad := range []string{"vx0:", "vx0:0", "vx0:70000", "vx0:abc"} {
		_, err = ListString2Mods(bad, cmn.VportTypeVxlan)
		assert.Error(t, err, "vxlan list %s", bad)
	}
}

func TestLogString2Level(t *testing.T) {
	assert.Equal(t, tk.LogInfo, LogString2Level("info"))
	assert.Equal(t, tk.LogEmerg, LogString2Level("emergency"))
	assert.Equal(t, tk.LogDebug, LogString2Level("verbose"))
}

func TestVports2String(t *testing.T) {
	dp, _ := newTestDatapath(t, "eth0")
	na := NetAPIInit(dp)
	_, err := na.NetVportAdd(&cmn.VportMod{Name: "eth0", Type: cmn.VportTypeNetdev})
	require.NoError(t, err)

	w := new(lineWalker)
	dp.Registry().Lock()
	err = Vports2String(dp, w)
	dp.Registry().Unlock()
	require.NoError(t, err)

	require.Len(t, w.lines, 2)
	assert.True(t, strings.HasPrefix(w.lines[0], "dp0"))
	assert.Contains(t, w.lines[1], "eth0")
	assert.Contains(t, w.lines[1], "netdev")
}
