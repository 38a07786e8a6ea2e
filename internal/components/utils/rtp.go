// Copyright 2025 EURECOM
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Contributors:
//   Giulio CAROTA
//   Thomas DU
//   Adlen KSENTINI


package utils

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

var ErrRtpExhausted = errors.New("no RTP address/port available")

type RtpAddr struct {
	IP   string
	Port uint16
}

// RtpAllocator hands out RTP transport addresses to media gateway
// connections. Ports are even, RTCP takes the odd neighbor.
type RtpAllocator struct {
	available []RtpAddr
	allocated map[string]RtpAddr // owner -> address
	owners    map[RtpAddr]string
}

func NewRtpAllocator(subnet string, netmask string, portMin, portMax uint16) (*RtpAllocator, error) {
	_, ipnet, err := net.ParseCIDR(fmt.Sprintf("%s/%s", subnet, netmask))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid RTP subnet %s/%s", subnet, netmask)
	}
	if portMin > portMax {
		return nil, errors.Errorf("invalid RTP port range %d-%d", portMin, portMax)
	}

	ips := []string{}
	for ip := ipnet.IP.Mask(ipnet.Mask); ipnet.Contains(ip); inc(ip) {
		ips = append(ips, ip.String())
	}

	// Remove network and broadcast address
	if len(ips) > 2 {
		ips = ips[1 : len(ips)-1]
	}

	a := &RtpAllocator{
		allocated: make(map[string]RtpAddr),
		owners:    make(map[RtpAddr]string),
	}
	if portMin%2 != 0 {
		portMin++
	}
	for _, ip := range ips {
		for port := uint32(portMin); port <= uint32(portMax); port += 2 {
			a.available = append(a.available, RtpAddr{IP: ip, Port: uint16(port)})
		}
	}
	return a, nil
}

func (a *RtpAllocator) Allocate(owner string) (RtpAddr, error) {
	if addr, ok := a.allocated[owner]; ok {
		return addr, nil
	}
	if len(a.available) == 0 {
		return RtpAddr{}, ErrRtpExhausted
	}

	addr := a.available[0]
	a.available = a.available[1:]
	a.allocated[owner] = addr
	a.owners[addr] = owner
	return addr, nil
}

func (a *RtpAllocator) Release(owner string) error {
	addr, ok := a.allocated[owner]
	if !ok {
		return errors.Errorf("%s has no RTP address allocated", owner)
	}

	delete(a.allocated, owner)
	delete(a.owners, addr)
	a.available = append(a.available, addr)
	return nil
}

func (a *RtpAllocator) Get(owner string) (RtpAddr, bool) {
	addr, ok := a.allocated[owner]
	return addr, ok
}

func (a *RtpAllocator) Owner(addr RtpAddr) (string, bool) {
	owner, ok := a.owners[addr]
	return owner, ok
}

func (a *RtpAllocator) Free() int {
	return len(a.available)
}

func inc(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
