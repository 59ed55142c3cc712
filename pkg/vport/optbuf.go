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
	"syscall"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

const nlaTypeMask = ^uint16(unix.NLA_F_NESTED | unix.NLA_F_NET_BYTEORDER)

// OptBuf - netlink attribute buffer with a fixed capacity
type OptBuf struct {
	buf []byte
	max int
}

// NewOptBuf - create an attribute buffer holding at most size bytes
func NewOptBuf(size int) *OptBuf {
	return &OptBuf{buf: make([]byte, 0, size), max: size}
}

// Bytes - encoded attributes
func (b *OptBuf) Bytes() []byte {
	return b.buf
}

// Len - number of bytes used
func (b *OptBuf) Len() int {
	return len(b.buf)
}

// Room - number of bytes left
func (b *OptBuf) Room() int {
	return b.max - len(b.buf)
}

// Put - append an attribute
func (b *OptBuf) Put(attrType int, data []byte) error {
	attr := nl.NewRtAttr(attrType, data).Serialize()
	if len(attr) > b.Room() {
		return ErrMsgSize
	}
	b.buf = append(b.buf, attr...)
	return nil
}

// PutU16 - append a u16 attribute
func (b *OptBuf) PutU16(attrType int, val uint16) error {
	return b.Put(attrType, nl.Uint16Attr(val))
}

// PutU32 - append a u32 attribute
func (b *OptBuf) PutU32(attrType int, val uint32) error {
	return b.Put(attrType, nl.Uint32Attr(val))
}

// NestStart - open a nested attribute. The returned offset is passed to
// NestEnd or NestCancel.
func (b *OptBuf) NestStart(attrType int) (int, error) {
	if b.Room() < unix.NLA_HDRLEN {
		return 0, ErrMsgSize
	}
	start := len(b.buf)
	var hdr [unix.NLA_HDRLEN]byte
	nl.NativeEndian().PutUint16(hdr[2:], uint16(attrType)|unix.NLA_F_NESTED)
	b.buf = append(b.buf, hdr[:]...)
	return start, nil
}

// NestEnd - close a nested attribute opened at start
func (b *OptBuf) NestEnd(start int) {
	nl.NativeEndian().PutUint16(b.buf[start:], uint16(len(b.buf)-start))
}

// NestCancel - drop a nested attribute opened at start and everything
// added to it
func (b *OptBuf) NestCancel(start int) {
	b.buf = b.buf[:start]
}

// ParseAttrs - decode a sequence of attributes
func ParseAttrs(data []byte) ([]syscall.NetlinkRouteAttr, error) {
	return nl.ParseRouteAttr(data)
}

// AttrType - attribute type without the nested and byte order flags
func AttrType(a syscall.NetlinkRouteAttr) int {
	return int(a.Attr.Type & nlaTypeMask)
}
