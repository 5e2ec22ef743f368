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
	"encoding/binary"
	"fmt"
)

// Version is the PTP version we put into management messages
const Version uint8 = 2

// MessageManagement is the PTP message type of management messages
const MessageManagement uint8 = 0xd

// base struct sizes
const (
	headerSize  uint16 = 54
	tlvBaseSize uint16 = 2
)

// logMessageInterval used in management messages, as per Table 42
const mgmtLogMessageInterval int8 = 0x7f

var defaultTargetPortIdentity = PortIdentity{
	ClockIdentity: 0xffffffffffffffff,
	PortNumber:    0xffff,
}

// ClockIdentity identifies a PTP Instance
type ClockIdentity uint64

// String formats ClockIdentity same way ptp4l pmc client does
func (c ClockIdentity) String() string {
	ptr := make([]byte, 8)
	binary.BigEndian.PutUint64(ptr, uint64(c))
	return fmt.Sprintf("%02x%02x%02x.%02x%02x.%02x%02x%02x",
		ptr[0], ptr[1], ptr[2], ptr[3],
		ptr[4], ptr[5], ptr[6], ptr[7],
	)
}

// PortIdentity identifies a PTP Port
type PortIdentity struct {
	ClockIdentity ClockIdentity
	PortNumber    uint16
}

// String formats PortIdentity same way ptp4l pmc client does
func (p PortIdentity) String() string {
	return fmt.Sprintf("%s-%d", p.ClockIdentity, p.PortNumber)
}

// PortState is a enum describing one of possible states of port state machines.
// Zero means the port is not monitored at all.
type PortState uint8

// Table 20 PTP state enumeration
const (
	PortStateInitializing PortState = iota + 1
	PortStateFaulty
	PortStateDisabled
	PortStateListening
	PortStatePreMaster
	PortStateMaster
	PortStatePassive
	PortStateUncalibrated
	PortStateSlave
	PortStateGrandMaster /*non-standard extension*/
)

// PortStateToString is a map from PortState to string
var PortStateToString = map[PortState]string{
	PortStateInitializing: "INITIALIZING",
	PortStateFaulty:       "FAULTY",
	PortStateDisabled:     "DISABLED",
	PortStateListening:    "LISTENING",
	PortStatePreMaster:    "PRE_MASTER",
	PortStateMaster:       "MASTER",
	PortStatePassive:      "PASSIVE",
	PortStateUncalibrated: "UNCALIBRATED",
	PortStateSlave:        "SLAVE",
	PortStateGrandMaster:  "GRAND_MASTER",
}

func (ps PortState) String() string {
	if s, ok := PortStateToString[ps]; ok {
		return s
	}
	if ps == 0 {
		return "NONE"
	}
	return fmt.Sprintf("UNKNOWN_STATE=%d", uint8(ps))
}

// Header Table 35 Common PTP message header
type Header struct {
	SdoIDAndMsgType     uint8 // first 4 bits is transportSpecific/SdoId, next 4 bits are msgtype
	Version             uint8
	MessageLength       uint16
	DomainNumber        uint8
	MinorSdoID          uint8
	FlagField           uint16
	CorrectionField     int64
	MessageTypeSpecific uint32
	SourcePortIdentity  PortIdentity
	SequenceID          uint16
	ControlField        uint8
	LogMessageInterval  int8
}

// MessageType returns the message type nibble
func (h *Header) MessageType() uint8 {
	return h.SdoIDAndMsgType & 0xf
}

// TLVType is type for TLV types
type TLVType uint16

// As per Table 52 tlvType values
const (
	TLVManagement            TLVType = 0x0001
	TLVManagementErrorStatus TLVType = 0x0002
)

// TLVHead is common part of all TLVs
type TLVHead struct {
	TLVType     TLVType
	LengthField uint16
}

// Action indicate the action to be taken on receipt of the PTP message as defined in Table 57
type Action uint8

// actions as in Table 57 Values of the actionField
const (
	GET Action = iota
	SET
	RESPONSE
	COMMAND
	ACKNOWLEDGE
)

// ManagementID is type for Management IDs
type ManagementID uint16

// Management IDs we use
const (
	IDPortDataSet ManagementID = 0x2004
	// ptp4l-specific
	IDTimeStatusNP ManagementID = 0xC000
)

// ManagementErrorID is an enum for possible management errors
type ManagementErrorID uint16

// Table 109 ManagementErrorID enumeration
const (
	ErrorResponseTooBig ManagementErrorID = 0x0001
	ErrorNoSuchID       ManagementErrorID = 0x0002
	ErrorWrongLength    ManagementErrorID = 0x0003
	ErrorWrongValue     ManagementErrorID = 0x0004
	ErrorNotSetable     ManagementErrorID = 0x0005
	ErrorNotSupported   ManagementErrorID = 0x0006
	ErrorUnpopulated    ManagementErrorID = 0x0007
	ErrorGeneralError   ManagementErrorID = 0xFFFE
)

// ManagementErrorIDToString is a map from ManagementErrorID to string
var ManagementErrorIDToString = map[ManagementErrorID]string{
	ErrorResponseTooBig: "RESPONSE_TOO_BIG",
	ErrorNoSuchID:       "NO_SUCH_ID",
	ErrorWrongLength:    "WRONG_LENGTH",
	ErrorWrongValue:     "WRONG_VALUE",
	ErrorNotSetable:     "NOT_SETABLE",
	ErrorNotSupported:   "NOT_SUPPORTED",
	ErrorUnpopulated:    "UNPOPULATED",
	ErrorGeneralError:   "GENERAL_ERROR",
}

func (t ManagementErrorID) String() string {
	s := ManagementErrorIDToString[t]
	if s == "" {
		return fmt.Sprintf("UNKNOWN_ERROR_ID=%d", t)
	}
	return s
}

func (t ManagementErrorID) Error() string {
	return t.String()
}
