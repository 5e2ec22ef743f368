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
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func TestPayloadHeader(t *testing.T) {
	h := PayloadHeader{Magic: PayloadMagic, Version: PayloadVersion, Intent: IntentTransmit, SeqID: 0x01020304, ScheduledNS: 0x1122334455667788}
	b := make([]byte, PayloadHeaderSize)
	h.MarshalBinaryTo(b)
	require.Equal(t, []byte{
		0x69, 0x73, 0x6f, 0x63, 0x01, 0x01, 0x00, 0x00,
		0x01, 0x02, 0x03, 0x04,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
	}, b)

	got := PayloadHeader{}
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, h, got)

	require.ErrorIs(t, got.UnmarshalBinary(b[:10]), ErrNotOurFrame)
	b[0] = 0
	require.ErrorIs(t, got.UnmarshalBinary(b), ErrNotOurFrame)
	b[0] = 0x69
	b[4] = 9
	require.Error(t, got.UnmarshalBinary(b))
}

func TestFramerL2(t *testing.T) {
	c := testConfig(t)
	c.FrameSize = 128
	f, err := NewFramer(c, nil)
	require.NoError(t, err)
	require.Equal(t, PathL2, f.Path())

	frame := f.Frame(3, 123456789)
	require.Len(t, frame, 128)

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.True(t, ok)
	require.Equal(t, "01:1b:19:00:00:00", eth.DstMAC.String())
	require.Equal(t, "02:00:00:00:00:01", eth.SrcMAC.String())
	require.Equal(t, layers.EthernetType(DefaultEtherType), eth.EthernetType)

	h, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(3), h.SeqID)
	require.Equal(t, int64(123456789), h.ScheduledNS)
	require.Equal(t, IntentTransmit, h.Intent)

	// template is reused
	h, err = DecodeFrame(f.Frame(4, 5))
	require.NoError(t, err)
	require.Equal(t, uint32(4), h.SeqID)
	require.Equal(t, int64(5), h.ScheduledNS)
}

func TestFramerVLAN(t *testing.T) {
	c := testConfig(t)
	c.VLAN = true
	c.VID = 100
	c.PCP = 6
	c.FrameSize = 64
	require.NoError(t, c.Validate())
	src, err := net.ParseMAC("02:00:00:00:00:09")
	require.NoError(t, err)
	c.SrcMAC = ""
	f, err := NewFramer(c, src)
	require.NoError(t, err)

	frame := f.Frame(9, 99)
	require.Len(t, frame, 64)
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	eth := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.Equal(t, src, eth.SrcMAC)
	vlan, ok := pkt.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q)
	require.True(t, ok)
	require.Equal(t, uint16(100), vlan.VLANIdentifier)
	require.Equal(t, uint8(6), vlan.Priority)
	require.Equal(t, layers.EthernetType(DefaultEtherType), vlan.Type)

	h, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(9), h.SeqID)
}

func TestFramerUDP(t *testing.T) {
	c := testConfig(t)
	c.Transport = TransportUDP
	c.Address = "192.0.2.1"
	c.FrameSize = 100
	require.NoError(t, c.Validate())
	f, err := NewFramer(c, nil)
	require.NoError(t, err)
	require.Equal(t, PathUDP4, f.Path())

	payload := f.Frame(7, 70)
	require.Len(t, payload, 100-FrameOverhead(PathUDP4, false))
	h, err := DecodeFrame(payload)
	require.NoError(t, err)
	require.Equal(t, uint32(7), h.SeqID)

	c.FrameSize = FrameOverhead(PathUDP4, false) + PayloadHeaderSize - 1
	_, err = NewFramer(c, nil)
	require.Error(t, err)
}

func TestDecodeFrameLoopedUDP(t *testing.T) {
	c := testConfig(t)
	c.Transport = TransportUDP
	c.Address = "192.0.2.1"
	c.FrameSize = 100
	f, err := NewFramer(c, nil)
	require.NoError(t, err)

	// what comes back on the error queue with hardware timestamps
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IP{192, 0, 2, 2}, DstIP: net.IP{192, 0, 2, 1}}
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(DefaultPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(f.Frame(11, 110))))
	require.Len(t, buf.Bytes(), 100)

	h, err := DecodeFrame(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, uint32(11), h.SeqID)
	require.Equal(t, int64(110), h.ScheduledNS)

	RegisterDecoders(DefaultEtherType, DefaultPort)
	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	l, ok := pkt.Layer(LayerTypeIsocycle).(*LayerIsocycle)
	require.True(t, ok)
	require.Equal(t, uint32(11), l.Header.SeqID)
}

func TestDecodeFrameGarbage(t *testing.T) {
	_, err := DecodeFrame(make([]byte, 64))
	require.ErrorIs(t, err, ErrNotOurFrame)
	_, err = DecodeFrame(nil)
	require.ErrorIs(t, err, ErrNotOurFrame)
}
