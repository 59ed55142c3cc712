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

package rcu

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tk "github.com/loxilb-io/loxilib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	tk.LogItInit(filepath.Join(os.TempDir(), "rcu-test.log"), tk.LogError, false)
	os.Exit(m.Run())
}

func TestSynchronizeWaitsForReader(t *testing.T) {
	d := DomainInit(2)
	defer d.Stop()

	d.ReadLock(1)

	var done atomic.Bool
	go func() {
		d.Synchronize()
		done.Store(true)
	}()

	time.Sleep(20 * time.Millisecond)
	require.False(t, done.Load(), "grace period ended with a reader inside")

	d.ReadUnlock(1)
	require.Eventually(t, done.Load, time.Second, time.Millisecond)
}

func TestLateReaderRecordsCurrentGeneration(t *testing.T) {
	d := DomainInit(1)
	defer d.Stop()

	// a section entered after a grace period started does not hold it up
	target := d.gp.Add(1)
	d.ReadLock(0)
	assert.GreaterOrEqual(t, d.slots[0].ctr.Load(), target)
	d.ReadUnlock(0)
}

func TestNestedReadSections(t *testing.T) {
	d := DomainInit(1)
	defer d.Stop()

	d.ReadLock(0)
	d.ReadLock(0)
	d.ReadUnlock(0)
	assert.NotZero(t, d.slots[0].ctr.Load(), "outer section must stay active")
	d.ReadUnlock(0)
	assert.Zero(t, d.slots[0].ctr.Load())

	assert.Panics(t, func() { d.ReadUnlock(0) })
}

func TestCallRunsAfterReaders(t *testing.T) {
	d := DomainInit(4)
	defer d.Stop()

	d.ReadLock(2)

	var ran atomic.Bool
	d.Call(func() { ran.Store(true) })

	time.Sleep(20 * time.Millisecond)
	require.False(t, ran.Load(), "callback ran inside a read section")
	require.Equal(t, 1, d.Pending())

	d.ReadUnlock(2)
	d.Barrier()
	require.True(t, ran.Load())
	require.Zero(t, d.Pending())
}

func TestBarrierManyCallbacks(t *testing.T) {
	d := DomainInit(4)
	defer d.Stop()

	var cnt atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				d.ReadLock(slot)
				d.Call(func() { cnt.Add(1) })
				d.ReadUnlock(slot)
			}
		}(i)
	}
	wg.Wait()
	d.Barrier()

	assert.Equal(t, int64(400), cnt.Load())
}

func TestCallAfterStop(t *testing.T) {
	d := DomainInit(1)

	var first atomic.Bool
	d.Call(func() { first.Store(true) })
	d.Stop()
	assert.True(t, first.Load(), "stop must drain queued callbacks")

	ran := false
	d.Call(func() { ran = true })
	assert.True(t, ran, "call after stop runs inline")

	// stopping twice is harmless
	d.Stop()
}
