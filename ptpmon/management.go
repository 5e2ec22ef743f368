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

package ptpmon

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// management client is used to talk to (presumably local) ptp4l using Management packets

var identity PortIdentity

func init() {
	// store our PID as identity that we use to talk to ptp daemon
	identity.PortNumber = uint16(os.Getpid())
}

// maxStaleResponses is how many responses with unexpected sequence we skip before giving up
const maxStaleResponses = 4

// ManagementMsgHead IEEE 1588 Table 56 - Management message fields
type ManagementMsgHead struct {
	Header

	TargetPortIdentity   PortIdentity
	StartingBoundaryHops uint8
	BoundaryHops         uint8
	ActionField          Action
	Reserved             uint8
}

// ManagementTLVHead IEEE 1588 Table 58 - Management TLV fields
type ManagementTLVHead struct {
	TLVHead

	ManagementID ManagementID
}

// PortDataSetTLV IEEE 1588 Table 87 - PORT_DATA_SET management TLV data field
// size = 26 bytes
type PortDataSetTLV struct {
	PortIdentity            PortIdentity
	PortState               PortState
	LogMinDelayReqInterval  int8
	PeerMeanPathDelay       int64
	LogAnnounceInterval     int8
	AnnounceReceiptTimeout  uint8
	LogSyncInterval         int8
	DelayMechanism          uint8
	LogMinPdelayReqInterval int8
	VersionNumber           uint8
}

// ScaledNS is some struct used by ptp4l to report phase change
type ScaledNS struct {
	NanosecondsMSB        uint16
	NanosecondsLSB        uint64
	FractionalNanoseconds uint16
}

// TimeStatusNPTLV is a ptp4l struct containing the offset from master
type TimeStatusNPTLV struct {
	MasterOffsetNS             int64
	IngressTimeNS              int64 // this is PHC time
	CumulativeScaledRateOffset int32
	ScaledLastGmPhaseChange    int32
	GMTimeBaseIndicator        uint16
	LastGmPhaseChange          ScaledNS
	GMPresent                  int32
	GMIdentity                 ClockIdentity
}

// ManagementErrorStatusTLV IEEE 1588 Table 108 MANAGEMENT_ERROR_STATUS TLV format, without display data
type ManagementErrorStatusTLV struct {
	ManagementErrorID ManagementErrorID
	ManagementID      ManagementID
	Reserved          int32
}

// Request is a GET management message with optional (zeroed) data
type Request struct {
	ManagementMsgHead
	ManagementTLVHead

	data []byte
}

// MarshalBinary converts request to []bytes
func (r *Request) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.BigEndian, &r.ManagementMsgHead); err != nil {
		return nil, fmt.Errorf("writing ManagementMsgHead: %w", err)
	}
	if err := binary.Write(&b, binary.BigEndian, &r.ManagementTLVHead); err != nil {
		return nil, fmt.Errorf("writing ManagementTLVHead: %w", err)
	}
	b.Write(r.data)
	return b.Bytes(), nil
}

// Response is a decoded management response
type Response struct {
	ManagementMsgHead
	ManagementTLVHead

	PortDataSet  *PortDataSetTLV
	TimeStatusNP *TimeStatusNPTLV
	ErrorStatus  *ManagementErrorStatusTLV
}

// NewRequest prepares GET request packet for given management id with dataSize zero bytes of data
func NewRequest(id ManagementID, dataSize uint16, domain, transportSpecific uint8) *Request {
	return &Request{
		ManagementMsgHead: ManagementMsgHead{
			Header: Header{
				SdoIDAndMsgType:    transportSpecific<<4 | MessageManagement,
				Version:            Version,
				MessageLength:      headerSize + dataSize,
				DomainNumber:       domain,
				SourcePortIdentity: identity,
				LogMessageInterval: mgmtLogMessageInterval,
			},
			TargetPortIdentity:   defaultTargetPortIdentity,
			StartingBoundaryHops: 0,
			BoundaryHops:         0,
			ActionField:          GET,
		},
		ManagementTLVHead: ManagementTLVHead{
			TLVHead: TLVHead{
				TLVType:     TLVManagement,
				LengthField: tlvBaseSize + dataSize,
			},
			ManagementID: id,
		},
		data: make([]byte, dataSize),
	}
}

// PortDataSetRequest prepares request packet for PORT_DATA_SET request
func PortDataSetRequest(domain, transportSpecific uint8) *Request {
	return NewRequest(IDPortDataSet, uint16(binary.Size(PortDataSetTLV{})), domain, transportSpecific)
}

// TimeStatusNPRequest prepares request packet for TIME_STATUS_NP request
func TimeStatusNPRequest(domain, transportSpecific uint8) *Request {
	// we send request with no TimeStatusNP data just like pmc does
	return NewRequest(IDTimeStatusNP, 0, domain, transportSpecific)
}

// DecodeResponse parses management response
func DecodeResponse(data []byte) (*Response, error) {
	res := &Response{}
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.BigEndian, &res.ManagementMsgHead); err != nil {
		return nil, fmt.Errorf("reading ManagementMsgHead: %w", err)
	}
	if res.MessageType() != MessageManagement {
		return nil, fmt.Errorf("got message type 0x%x instead of management", res.MessageType())
	}
	if err := binary.Read(r, binary.BigEndian, &res.TLVHead); err != nil {
		return nil, fmt.Errorf("reading TLVHead: %w", err)
	}
	if res.TLVType == TLVManagementErrorStatus {
		tlv := &ManagementErrorStatusTLV{}
		if err := binary.Read(r, binary.BigEndian, tlv); err != nil {
			return nil, fmt.Errorf("got Management Error in response but failed to decode it: %w", err)
		}
		res.ManagementID = tlv.ManagementID
		res.ErrorStatus = tlv
		return res, nil
	}
	if res.TLVType != TLVManagement {
		return nil, fmt.Errorf("got TLV type 0x%x instead of 0x%x", res.TLVType, TLVManagement)
	}
	if err := binary.Read(r, binary.BigEndian, &res.ManagementID); err != nil {
		return nil, fmt.Errorf("reading ManagementID: %w", err)
	}
	switch res.ManagementID {
	case IDPortDataSet:
		res.PortDataSet = &PortDataSetTLV{}
		if err := binary.Read(r, binary.BigEndian, res.PortDataSet); err != nil {
			return nil, fmt.Errorf("reading PORT_DATA_SET: %w", err)
		}
	case IDTimeStatusNP:
		res.TimeStatusNP = &TimeStatusNPTLV{}
		if err := binary.Read(r, binary.BigEndian, res.TimeStatusNP); err != nil {
			return nil, fmt.Errorf("reading TIME_STATUS_NP: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported management TLV 0x%x", res.ManagementID)
	}
	return res, nil
}

// MgmtClient talks to ptp4l over a datagram connection
type MgmtClient struct {
	Connection        io.ReadWriter
	Sequence          uint16
	DomainNumber      uint8
	TransportSpecific uint8
}

// Communicate sends the request, waits for the response with matching sequence id and parses it
func (c *MgmtClient) Communicate(req *Request) (*Response, error) {
	c.Sequence++
	req.SequenceID = c.Sequence
	b, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if _, err := c.Connection.Write(b); err != nil {
		return nil, err
	}
	buf := make([]byte, 1024)
	for i := 0; i < maxStaleResponses; i++ {
		n, err := c.Connection.Read(buf)
		if err != nil {
			return nil, err
		}
		res, err := DecodeResponse(buf[:n])
		if err != nil {
			return nil, err
		}
		if res.SequenceID != c.Sequence {
			continue
		}
		if res.ErrorStatus != nil {
			return nil, fmt.Errorf("got Management Error in response: %w", res.ErrorStatus.ManagementErrorID)
		}
		if res.ManagementID != req.ManagementID {
			return nil, fmt.Errorf("got unexpected management id 0x%x, expected 0x%x", res.ManagementID, req.ManagementID)
		}
		return res, nil
	}
	return nil, fmt.Errorf("no response with sequence %d after %d reads", c.Sequence, maxStaleResponses)
}

// PortDataSet sends PORT_DATA_SET request and returns response
func (c *MgmtClient) PortDataSet() (*PortDataSetTLV, error) {
	res, err := c.Communicate(PortDataSetRequest(c.DomainNumber, c.TransportSpecific))
	if err != nil {
		return nil, err
	}
	return res.PortDataSet, nil
}

// TimeStatusNP sends TIME_STATUS_NP request and returns response
func (c *MgmtClient) TimeStatusNP() (*TimeStatusNPTLV, error) {
	res, err := c.Communicate(TimeStatusNPRequest(c.DomainNumber, c.TransportSpecific))
	if err != nil {
		return nil, err
	}
	return res.TimeStatusNP, nil
}
