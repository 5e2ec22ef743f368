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

package sender

import (
	"fmt"
	"net"

	"github.com/jsimonetti/rtnetlink/rtnl"
)

// Interface is what we need to know about the egress interface
type Interface struct {
	Name  string
	Index int
	MAC   net.HardwareAddr
	Up    bool
}

// LookupInterface resolves interface by name over rtnetlink
func LookupInterface(name string) (*Interface, error) {
	conn, err := rtnl.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("can't establish netlink connection: %w", err)
	}
	defer conn.Close()

	links, err := conn.Links()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	for _, l := range links {
		if l.Name == name {
			return &Interface{
				Name:  l.Name,
				Index: l.Index,
				MAC:   l.HardwareAddr,
				Up:    l.Flags&net.FlagUp != 0,
			}, nil
		}
	}
	return nil, fmt.Errorf("interface %q not found", name)
}
