/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package dscp marks outgoing traffic: DSCP bits of IP header and socket priority
used by the qdisc to pick a traffic class.
*/
package dscp

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// MaxDSCP is the largest valid DSCP value
const MaxDSCP = 63

// Enable sets DSCP bits on the socket, IP version is picked based on localAddr
func Enable(fd int, localAddr net.IP, dscp int) error {
	if dscp < 0 || dscp > MaxDSCP {
		return fmt.Errorf("invalid dscp %d", dscp)
	}
	if localAddr.To4() == nil {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, dscp<<2)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
}

// SetPriority sets SO_PRIORITY of the socket
func SetPriority(fd int, priority int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, priority); err != nil {
		return fmt.Errorf("setting SO_PRIORITY %d: %w", priority, err)
	}
	return nil
}
