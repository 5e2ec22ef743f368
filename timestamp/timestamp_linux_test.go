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
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testTSNS = int64(1612028735717200436)

// buildCmsg appends a control message the same way the kernel lays it out
func buildCmsg(b []byte, level, typ int32, data []byte) []byte {
	msg := make([]byte, unix.CmsgSpace(len(data)))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&msg[0]))
	h.Level = level
	h.Type = typ
	h.SetLen(unix.CmsgLen(len(data)))
	copy(msg[unix.CmsgLen(0):], data)
	return append(b, msg...)
}

func timestampingData(sw, hw int64) []byte {
	data := make([]byte, 48)
	put := func(b []byte, ns int64) {
		binary.NativeEndian.PutUint64(b[0:], uint64(ns/int64(time.Second)))
		binary.NativeEndian.PutUint64(b[8:], uint64(ns%int64(time.Second)))
	}
	put(data[0:], sw)
	put(data[32:], hw)
	return data
}

func udpConnFd(t *testing.T, conn *net.UDPConn) int {
	sc, err := conn.SyscallConn()
	require.NoError(t, err)
	var fd int
	require.NoError(t, sc.Control(func(f uintptr) { fd = int(f) }))
	return fd
}

func Test_byteToNS(t *testing.T) {
	timeb := make([]byte, 16)
	binary.NativeEndian.PutUint64(timeb[0:], 1612028735)
	binary.NativeEndian.PutUint64(timeb[8:], 717200436)
	require.Equal(t, testTSNS, byteToNS(timeb))
}

func Test_scmDataToTimestamps(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    Timestamps
		wantErr bool
	}{
		{
			name: "hardware timestamp",
			data: timestampingData(0, testTSNS),
			want: Timestamps{Hardware: testTSNS},
		},
		{
			name: "software timestamp",
			data: timestampingData(testTSNS, 0),
			want: Timestamps{Software: testTSNS},
		},
		{
			name: "both",
			data: timestampingData(testTSNS, testTSNS-10),
			want: Timestamps{Software: testTSNS, Hardware: testTSNS - 10},
		},
		{
			name:    "zero timestamp",
			data:    timestampingData(0, 0),
			wantErr: true,
		},
		{
			name:    "short",
			data:    make([]byte, 20),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := scmDataToTimestamps(tt.data)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.Equal(t, tt.want, res)
			}
		})
	}
}

func TestParseControlMessages(t *testing.T) {
	serr := unix.SockExtendedErr{Errno: uint32(unix.ENOMSG), Origin: soEEOriginTimestamping, Data: 7}
	serrBytes := unsafe.Slice((*byte)(unsafe.Pointer(&serr)), unsafe.Sizeof(serr))
	// sock_extended_err followed by sockaddr_in6, 44 bytes, so the next header needs alignment
	errData := append(append([]byte{}, serrBytes...), make([]byte, 28)...)

	var b []byte
	b = buildCmsg(b, unix.SOL_IPV6, unix.IPV6_RECVERR, errData)
	b = buildCmsg(b, unix.SOL_SOCKET, int32(timestamping), timestampingData(0, testTSNS))

	ts, eerr := parseControlMessages(b)
	require.Equal(t, Timestamps{Hardware: testTSNS}, ts)
	require.NotNil(t, eerr)
	require.True(t, eerr.Timestamping())
	require.Equal(t, uint32(7), eerr.Data)

	// txtime drop on a packet socket carries no timestamp
	serr = unix.SockExtendedErr{Origin: soEEOriginTXTime, Code: soEECodeMissed, Info: 0, Data: 1000}
	b = buildCmsg(nil, unix.SOL_PACKET, packetTXTimestamp, serrBytes)
	ts, eerr = parseControlMessages(b)
	require.True(t, ts.Empty())
	require.True(t, eerr.TXTimeDrop())
	require.Equal(t, int64(1000), eerr.TXTime())

	// garbage is ignored
	ts, eerr = parseControlMessages([]byte{1, 2, 3})
	require.True(t, ts.Empty())
	require.Nil(t, eerr)
}

func TestTXTimeControl(t *testing.T) {
	b := make([]byte, 64)
	oob := TXTimeControl(b, testTSNS)
	require.Len(t, oob, TXTimeControlSize)
	msgs, err := unix.ParseSocketControlMessage(oob)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, int32(unix.SOL_SOCKET), msgs[0].Header.Level)
	require.Equal(t, int32(scmTXTime), msgs[0].Header.Type)
	require.Equal(t, uint64(testTSNS), binary.NativeEndian.Uint64(msgs[0].Data))
}

func TestEnableTXTime(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	connFd := udpConnFd(t, conn)
	require.NoError(t, EnableTXTime(connFd, unix.CLOCK_MONOTONIC, TXTimeReportErrors))
	require.Error(t, EnableTXTime(-1, unix.CLOCK_MONOTONIC, 0))
}

func TestEnableSWTimestampsRx(t *testing.T) {
	// listen to incoming udp packets
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	connFd := udpConnFd(t, conn)

	// Allow reading of kernel timestamps via socket
	err = EnableSWTimestampsRx(connFd)
	require.NoError(t, err)

	// Check that socket option is set
	timestampsEnabled, _ := unix.GetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING)
	newTimestampsEnabled, _ := unix.GetsockoptInt(connFd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING_NEW)

	// At least one of them should be set, which it > 0
	require.Greater(t, timestampsEnabled+newTimestampsEnabled, 0, "None of the socket options is set")
}

func TestReadErrQueue(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 42}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	connFd := udpConnFd(t, conn)

	buf := make([]byte, PayloadSizeBytes)
	oob := make([]byte, ControlSizeBytes)
	_, err = ReadErrQueue(connFd, buf, oob)
	require.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, EnableSWTimestamps(connFd))

	_, err = conn.WriteTo(payload, conn.LocalAddr())
	require.NoError(t, err)

	ready, err := WaitErrQueue(connFd, time.Second)
	require.NoError(t, err)
	require.True(t, ready)

	msg, err := ReadErrQueue(connFd, buf, oob)
	require.NoError(t, err)
	require.NotZero(t, msg.Timestamps.Software)
	require.Equal(t, time.Now().Unix()/10, msg.Timestamps.Best()/int64(time.Second)/10, "kernel timestamps should be within 10s")
	require.True(t, msg.Err.Timestamping())
	require.True(t, bytes.Contains(msg.Data, payload), "looped frame should carry the payload")
}

func TestReadPacketWithRXTimestamp(t *testing.T) {
	request := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 42}
	// listen to incoming udp packets
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	// get connection file descriptor
	connFd := udpConnFd(t, conn)

	// Allow reading of kernel timestamps via socket
	err = EnableSWTimestampsRx(connFd)
	require.NoError(t, err)

	err = unix.SetNonblock(connFd, false)
	require.NoError(t, err)

	// Send a client request
	cconn, err := net.DialTimeout("udp", conn.LocalAddr().String(), time.Second)
	require.NoError(t, err)
	defer cconn.Close()
	_, err = cconn.Write(request)
	require.NoError(t, err)

	buf := make([]byte, PayloadSizeBytes)
	oob := make([]byte, ControlSizeBytes)
	n, returnaddr, ts, err := ReadPacketWithRXTimestampBuf(connFd, buf, oob)
	require.NoError(t, err)
	require.Equal(t, request, buf[:n], "We should have the same request arriving on the server")
	require.Equal(t, time.Now().Unix()/10, ts.Software/int64(time.Second)/10, "kernel timestamps should be within 10s")
	require.Equal(t, cconn.LocalAddr().(*net.UDPAddr).Port, SockaddrToPort(returnaddr))
}
