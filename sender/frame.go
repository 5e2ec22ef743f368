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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// payload header constants
const (
	PayloadMagic   = uint32(0x69736f63)
	PayloadVersion = uint8(1)
	// PayloadHeaderSize is the size of encoded PayloadHeader
	PayloadHeaderSize = 20
	// IntentTransmit marks frames sent by the sender
	IntentTransmit = uint8(1)
)

// header sizes used to account for frame_size
const (
	ethernetHeaderSize = 14
	dot1qHeaderSize    = 4
	ipv4HeaderSize     = 20
	ipv6HeaderSize     = 40
	udpHeaderSize      = 8
	// MinEthernetFrame is the smallest frame without FCS, anything shorter gets padded
	MinEthernetFrame = 60
)

// ErrNotOurFrame is returned when frame has no valid payload header
var ErrNotOurFrame = errors.New("no payload header found")

// FrameOverhead returns number of bytes of frame_size taken by headers below the payload
func FrameOverhead(p Path, vlan bool) int {
	switch p {
	case PathUDP4:
		return ethernetHeaderSize + ipv4HeaderSize + udpHeaderSize
	case PathUDP6:
		return ethernetHeaderSize + ipv6HeaderSize + udpHeaderSize
	}
	if vlan {
		return ethernetHeaderSize + dot1qHeaderSize
	}
	return ethernetHeaderSize
}

// PayloadHeader is what every frame carries right after the transport headers
type PayloadHeader struct {
	Magic       uint32
	Version     uint8
	Intent      uint8
	Reserved    uint16
	SeqID       uint32
	ScheduledNS int64
}

// MarshalBinaryTo marshals header into b, which must be at least PayloadHeaderSize long
func (h *PayloadHeader) MarshalBinaryTo(b []byte) {
	binary.BigEndian.PutUint32(b[0:], h.Magic)
	b[4] = h.Version
	b[5] = h.Intent
	binary.BigEndian.PutUint16(b[6:], h.Reserved)
	binary.BigEndian.PutUint32(b[8:], h.SeqID)
	binary.BigEndian.PutUint64(b[12:], uint64(h.ScheduledNS))
}

// UnmarshalBinary parses header from b
func (h *PayloadHeader) UnmarshalBinary(b []byte) error {
	if len(b) < PayloadHeaderSize {
		return fmt.Errorf("%w: %d bytes is too short", ErrNotOurFrame, len(b))
	}
	h.Magic = binary.BigEndian.Uint32(b[0:])
	if h.Magic != PayloadMagic {
		return fmt.Errorf("%w: bad magic 0x%08x", ErrNotOurFrame, h.Magic)
	}
	h.Version = b[4]
	if h.Version != PayloadVersion {
		return fmt.Errorf("unsupported payload version %d", h.Version)
	}
	h.Intent = b[5]
	h.Reserved = binary.BigEndian.Uint16(b[6:])
	h.SeqID = binary.BigEndian.Uint32(b[8:])
	h.ScheduledNS = int64(binary.BigEndian.Uint64(b[12:]))
	return nil
}

// LayerIsocycle wraps our payload so gopacket can encode and decode it
type LayerIsocycle struct {
	layers.BaseLayer

	Header  PayloadHeader
	Padding int
}

// LayerTypeIsocycle is registered as a layer with gopacket
var LayerTypeIsocycle = gopacket.RegisterLayerType(
	2718,
	gopacket.LayerTypeMetadata{
		Name:    "Isocycle",
		Decoder: gopacket.DecodeFunc(decodeIsocycle),
	},
)

// LayerType returns type this layer implements
func (l *LayerIsocycle) LayerType() gopacket.LayerType {
	return LayerTypeIsocycle
}

// Payload is empty as it's the final layer
func (l *LayerIsocycle) Payload() []byte {
	return nil
}

// SerializeTo writes header followed by zero padding
func (l *LayerIsocycle) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	buf, err := b.PrependBytes(PayloadHeaderSize + l.Padding)
	if err != nil {
		return err
	}
	l.Header.MarshalBinaryTo(buf)
	clear(buf[PayloadHeaderSize:])
	return nil
}

// decodeIsocycle actually does the decoding
func decodeIsocycle(data []byte, p gopacket.PacketBuilder) error {
	d := &LayerIsocycle{}
	if err := d.Header.UnmarshalBinary(data); err != nil {
		return err
	}
	d.BaseLayer = layers.BaseLayer{Contents: data[:PayloadHeaderSize], Payload: data[PayloadHeaderSize:]}
	d.Padding = len(data) - PayloadHeaderSize
	p.AddLayer(d)
	p.SetApplicationLayer(d)
	return nil
}

// RegisterDecoders maps ethertype and UDP port to our layer so gopacket decodes it directly
func RegisterDecoders(etherType uint16, port int) {
	if etherType != 0 {
		layers.EthernetTypeMetadata[etherType] = layers.EnumMetadata{
			DecodeWith: LayerTypeIsocycle,
			Name:       "Isocycle",
			LayerType:  LayerTypeIsocycle,
		}
	}
	if port > 0 {
		layers.RegisterUDPPortLayerType(layers.UDPPort(port), LayerTypeIsocycle)
	}
}

// DecodeFrame finds payload header in a frame starting with the ethernet header
func DecodeFrame(data []byte) (*PayloadHeader, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if l, ok := pkt.Layer(LayerTypeIsocycle).(*LayerIsocycle); ok {
		return &l.Header, nil
	}
	var payload []byte
	for _, lt := range []gopacket.LayerType{layers.LayerTypeUDP, layers.LayerTypeDot1Q, layers.LayerTypeEthernet} {
		if l := pkt.Layer(lt); l != nil {
			payload = l.LayerPayload()
			break
		}
	}
	h := &PayloadHeader{}
	if err := h.UnmarshalBinary(payload); err == nil {
		return h, nil
	}
	// looped frames may start at a different layer depending on the path, look for the magic
	var magic [4]byte
	binary.BigEndian.PutUint32(magic[:], PayloadMagic)
	if i := bytes.Index(data, magic[:]); i >= 0 {
		if err := h.UnmarshalBinary(data[i:]); err == nil {
			return h, nil
		}
	}
	return nil, ErrNotOurFrame
}

// Framer prepares frames. The same buffer is reused for every frame.
type Framer struct {
	path   Path
	frame  []byte
	offset int
	header PayloadHeader
}

// NewFramer builds the frame template for the configured path.
// For UDP paths only the datagram payload is built, the kernel adds the headers.
func NewFramer(cfg *Config, srcMAC net.HardwareAddr) (*Framer, error) {
	f := &Framer{
		path:   cfg.Path(),
		header: PayloadHeader{Magic: PayloadMagic, Version: PayloadVersion, Intent: IntentTransmit},
	}
	payloadLen := cfg.FrameSize - FrameOverhead(f.path, cfg.VLAN)
	if payloadLen < PayloadHeaderSize {
		return nil, fmt.Errorf("frame_size %d leaves %d bytes for payload, need %d", cfg.FrameSize, payloadLen, PayloadHeaderSize)
	}
	payload := &LayerIsocycle{Header: f.header, Padding: payloadLen - PayloadHeaderSize}
	if f.path != PathL2 {
		buf := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, payload); err != nil {
			return nil, err
		}
		f.frame = buf.Bytes()
		return f, nil
	}

	dst, err := net.ParseMAC(cfg.DestMAC)
	if err != nil {
		return nil, err
	}
	if cfg.SrcMAC != "" {
		if srcMAC, err = net.ParseMAC(cfg.SrcMAC); err != nil {
			return nil, err
		}
	}
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dst,
		EthernetType: layers.EthernetType(cfg.EtherType),
	}
	toSerialize := []gopacket.SerializableLayer{eth}
	if cfg.VLAN {
		eth.EthernetType = layers.EthernetTypeDot1Q
		toSerialize = append(toSerialize, &layers.Dot1Q{
			Priority:       cfg.PCP,
			VLANIdentifier: cfg.VID,
			Type:           layers.EthernetType(cfg.EtherType),
		})
	}
	toSerialize = append(toSerialize, payload)
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, toSerialize...); err != nil {
		return nil, fmt.Errorf("serializing frame: %w", err)
	}
	f.frame = buf.Bytes()
	f.offset = FrameOverhead(f.path, cfg.VLAN)
	return f, nil
}

// Frame fills sequence id and schedule edge into the template and returns it
func (f *Framer) Frame(seq uint32, scheduledNS int64) []byte {
	f.header.SeqID = seq
	f.header.ScheduledNS = scheduledNS
	f.header.MarshalBinaryTo(f.frame[f.offset:])
	return f.frame
}

// Path returns the path this framer builds frames for
func (f *Framer) Path() Path {
	return f.path
}
