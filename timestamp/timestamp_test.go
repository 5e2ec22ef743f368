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

package timestamp

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestIPToSockaddr(t *testing.T) {
	ip4 := net.ParseIP("127.0.0.1")
	ip6 := net.ParseIP("::1")
	port := 123

	expectedSA4 := &unix.SockaddrInet4{Port: port}
	copy(expectedSA4.Addr[:], ip4.To4())

	expectedSA6 := &unix.SockaddrInet6{Port: port}
	copy(expectedSA6.Addr[:], ip6.To16())

	sa4 := IPToSockaddr(ip4, port)
	sa6 := IPToSockaddr(ip6, port)

	require.Equal(t, expectedSA4, sa4)
	require.Equal(t, expectedSA6, sa6)
}

func TestSockaddrToIP(t *testing.T) {
	ip4 := net.ParseIP("127.0.0.1")
	ip6 := net.ParseIP("::1")
	port := 123

	sa4 := IPToSockaddr(ip4, port)
	sa6 := IPToSockaddr(ip6, port)

	require.Equal(t, ip4.String(), SockaddrToIP(sa4).String())
	require.Equal(t, ip6.String(), SockaddrToIP(sa6).String())
	require.Equal(t, port, SockaddrToPort(sa4))
	require.Equal(t, port, SockaddrToPort(sa6))
	require.Nil(t, SockaddrToIP(&unix.SockaddrLinklayer{}))
	require.Equal(t, 0, SockaddrToPort(&unix.SockaddrLinklayer{}))
}

func TestTimestampUnmarshalText(t *testing.T) {
	var ts Timestamp
	require.Equal(t, "timestamp", ts.Type())

	err := ts.UnmarshalText([]byte("hardware"))
	require.NoError(t, err)
	require.Equal(t, HW, ts)
	require.Equal(t, HW.String(), ts.String())

	err = ts.UnmarshalText([]byte("software"))
	require.NoError(t, err)
	require.Equal(t, SW, ts)

	err = ts.UnmarshalText([]byte("nope"))
	require.Equal(t, errors.New("unknown timestamp type \"nope\""), err)
	// Check we didn't change the value
	require.Equal(t, SW, ts)
}

func TestTimestampMarshalText(t *testing.T) {
	text, err := HW.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "hardware", string(text))

	text, err = SW.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "software", string(text))

	require.Equal(t, Unsupported, Timestamp(42).String())
	text, err = Timestamp(42).MarshalText()
	require.Equal(t, errors.New("unknown timestamp type \"Unsupported\""), err)
	require.Equal(t, "Unsupported", string(text))
}

func TestTimestampsBest(t *testing.T) {
	require.True(t, Timestamps{}.Empty())
	require.Equal(t, int64(5), Timestamps{Software: 5}.Best())
	require.Equal(t, int64(3), Timestamps{Software: 5, Hardware: 3}.Best())
}

func TestExtendedError(t *testing.T) {
	var nilErr *ExtendedError
	require.False(t, nilErr.TXTimeDrop())
	require.Equal(t, "none", nilErr.String())

	e := &ExtendedError{Origin: soEEOriginTXTime, Code: soEECodeMissed, Info: 1, Data: 2}
	require.True(t, e.TXTimeDrop())
	require.False(t, e.Timestamping())
	require.Equal(t, int64(1<<32|2), e.TXTime())
	require.Equal(t, "txtime 4294967298 dropped: missed deadline", e.String())

	e.Code = soEECodeInvalidParam
	require.Contains(t, e.String(), "invalid txtime")

	e = &ExtendedError{Errno: uint32(unix.ENOMSG), Origin: soEEOriginTimestamping}
	require.True(t, e.Timestamping())
	require.False(t, e.TXTimeDrop())
	require.Equal(t, "errno 42 origin 4 code 0", e.String())
}
