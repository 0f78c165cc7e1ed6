// Copyright 2024 The gVisor Authors.
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

package abi

import (
	"encoding/binary"
	"fmt"
)

// MessageType identifies a command or answer.
type MessageType uint8

// Message types. An answer carries the type of the command it answers.
const (
	MsgCreateContext        MessageType = 0x02
	MsgOpenSession          MessageType = 0xF0
	MsgCloseSession         MessageType = 0xF2
	MsgCancel               MessageType = 0xF4
	MsgInvoke               MessageType = 0xF5
	MsgRegisterSharedMemory MessageType = 0xF7
	MsgReleaseSharedMemory  MessageType = 0xF9
	MsgDestroyContext       MessageType = 0xFD
	MsgManagement           MessageType = 0xFE
)

// String implements fmt.Stringer.
func (t MessageType) String() string {
	switch t {
	case MsgCreateContext:
		return "CreateContext"
	case MsgOpenSession:
		return "OpenSession"
	case MsgCloseSession:
		return "CloseSession"
	case MsgCancel:
		return "Cancel"
	case MsgInvoke:
		return "Invoke"
	case MsgRegisterSharedMemory:
		return "RegisterSharedMemory"
	case MsgReleaseSharedMemory:
		return "ReleaseSharedMemory"
	case MsgDestroyContext:
		return "DestroyContext"
	case MsgManagement:
		return "Management"
	default:
		return fmt.Sprintf("MessageType(%#x)", uint8(t))
	}
}

// Slot geometry.
const (
	CommandHeaderSize = 16
	CommandBodySize   = 72
	CommandSlotSize   = CommandHeaderSize + CommandBodySize

	AnswerHeaderSize = 16
	AnswerBodySize   = 16
	AnswerSlotSize   = AnswerHeaderSize + AnswerBodySize
)

// NumParams is the number of parameters of an invocation.
const NumParams = 4

// ParamType is the 4-bit type of one invocation parameter.
type ParamType uint8

// Parameter types. Only value and memref types travel on the wire;
// temporary memrefs are staged by the normal world into registered memory
// before sending.
const (
	ParamNone         ParamType = 0x0
	ParamValueInput   ParamType = 0x1
	ParamValueOutput  ParamType = 0x2
	ParamValueInOut   ParamType = 0x3
	ParamTempInput    ParamType = 0x5
	ParamTempOutput   ParamType = 0x6
	ParamTempInOut    ParamType = 0x7
	ParamMemrefInput  ParamType = 0xD
	ParamMemrefOutput ParamType = 0xE
	ParamMemrefInOut  ParamType = 0xF
)

// IsValue returns true for value parameters.
func (p ParamType) IsValue() bool {
	return p >= ParamValueInput && p <= ParamValueInOut
}

// IsTemp returns true for temporary memref parameters.
func (p ParamType) IsTemp() bool {
	return p >= ParamTempInput && p <= ParamTempInOut
}

// IsMemref returns true for registered memref parameters.
func (p ParamType) IsMemref() bool {
	return p >= ParamMemrefInput
}

// IsOutput returns true if the secure world may write the parameter.
func (p ParamType) IsOutput() bool {
	return p != ParamNone && p&0x2 != 0
}

// IsInput returns true if the secure world reads the parameter.
func (p ParamType) IsInput() bool {
	return p != ParamNone && p&0x1 != 0
}

// PackParamTypes packs four parameter types into a word.
func PackParamTypes(t [NumParams]ParamType) uint32 {
	var w uint32
	for i, p := range t {
		w |= uint32(p&0xf) << (4 * i)
	}
	return w
}

// UnpackParamTypes is the inverse of PackParamTypes.
func UnpackParamTypes(w uint32) [NumParams]ParamType {
	var t [NumParams]ParamType
	for i := range t {
		t[i] = ParamType(w >> (4 * i) & 0xf)
	}
	return t
}

// Param is one invocation parameter on the wire. For values A and B hold
// the value. For memrefs A is the block handle, B the offset into the block
// and C the size. Temporary memrefs are staged in the scratch area of the
// context: B is the offset into it and C the size.
type Param struct {
	A, B, C uint32
}

const paramSize = 12

// CommandBody is the type-specific part of a command. It is implemented by
// the *Body types in this package.
type CommandBody interface {
	// MessageType returns the type of command this body belongs to.
	MessageType() MessageType

	marshal(b []byte)
	unmarshal(b []byte)
}

// CreateContextBody requests a new device context. The scratch region is
// used for temporary memrefs and owned by the context.
type CreateContextBody struct {
	ScratchAddr uint64
	ScratchSize uint32
}

// DestroyContextBody destroys the device context named in the header.
type DestroyContextBody struct{}

// OpenSessionBody opens a session with the trusted service UUID.
type OpenSessionBody struct {
	Timeout   uint64
	Login     uint32
	UUID      [16]byte
	LoginData [16]byte
}

// CloseSessionBody closes a session.
type CloseSessionBody struct {
	Session uint32
}

// RegisterSharedMemoryBody registers a physically contiguous region.
type RegisterSharedMemoryBody struct {
	Flags  uint32
	Size   uint32
	Offset uint32
	Addr   uint64
}

// ReleaseSharedMemoryBody releases a registered block.
type ReleaseSharedMemoryBody struct {
	Block uint32
}

// InvokeBody invokes a command of a session.
type InvokeBody struct {
	Session    uint32
	Command    uint32
	ParamTypes uint32
	Timeout    uint64
	Params     [NumParams]Param
}

// CancelBody cancels the pending operation Target of a session.
type CancelBody struct {
	Session uint32
	Target  uint64
}

// ManagementBody carries a management command.
type ManagementBody struct {
	Command uint32
}

// Management commands.
const (
	MgmtShutdown  uint32 = 1
	MgmtHibernate uint32 = 2
	MgmtResume    uint32 = 3
	MgmtPrepare   uint32 = 4
)

// Shared memory flags.
const (
	ShmInput  uint32 = 1 << 0
	ShmOutput uint32 = 1 << 1
)

// ShmFlagsFor returns the flags a shared memory block needs to back a
// memref parameter of type t.
func ShmFlagsFor(t ParamType) uint32 {
	var f uint32
	if t.IsInput() {
		f |= ShmInput
	}
	if t.IsOutput() {
		f |= ShmOutput
	}
	return f
}

// MessageType implements CommandBody.MessageType.
func (*CreateContextBody) MessageType() MessageType { return MsgCreateContext }

// MessageType implements CommandBody.MessageType.
func (*DestroyContextBody) MessageType() MessageType { return MsgDestroyContext }

// MessageType implements CommandBody.MessageType.
func (*OpenSessionBody) MessageType() MessageType { return MsgOpenSession }

// MessageType implements CommandBody.MessageType.
func (*CloseSessionBody) MessageType() MessageType { return MsgCloseSession }

// MessageType implements CommandBody.MessageType.
func (*RegisterSharedMemoryBody) MessageType() MessageType { return MsgRegisterSharedMemory }

// MessageType implements CommandBody.MessageType.
func (*ReleaseSharedMemoryBody) MessageType() MessageType { return MsgReleaseSharedMemory }

// MessageType implements CommandBody.MessageType.
func (*InvokeBody) MessageType() MessageType { return MsgInvoke }

// MessageType implements CommandBody.MessageType.
func (*CancelBody) MessageType() MessageType { return MsgCancel }

// MessageType implements CommandBody.MessageType.
func (*ManagementBody) MessageType() MessageType { return MsgManagement }

var le = binary.LittleEndian

func (c *CreateContextBody) marshal(b []byte) {
	le.PutUint64(b[0:], c.ScratchAddr)
	le.PutUint32(b[8:], c.ScratchSize)
}

func (c *CreateContextBody) unmarshal(b []byte) {
	c.ScratchAddr = le.Uint64(b[0:])
	c.ScratchSize = le.Uint32(b[8:])
}

func (*DestroyContextBody) marshal([]byte)   {}
func (*DestroyContextBody) unmarshal([]byte) {}

func (o *OpenSessionBody) marshal(b []byte) {
	le.PutUint64(b[0:], o.Timeout)
	le.PutUint32(b[8:], o.Login)
	copy(b[12:28], o.UUID[:])
	copy(b[28:44], o.LoginData[:])
}

func (o *OpenSessionBody) unmarshal(b []byte) {
	o.Timeout = le.Uint64(b[0:])
	o.Login = le.Uint32(b[8:])
	copy(o.UUID[:], b[12:28])
	copy(o.LoginData[:], b[28:44])
}

func (c *CloseSessionBody) marshal(b []byte)   { le.PutUint32(b, c.Session) }
func (c *CloseSessionBody) unmarshal(b []byte) { c.Session = le.Uint32(b) }

func (r *RegisterSharedMemoryBody) marshal(b []byte) {
	le.PutUint32(b[0:], r.Flags)
	le.PutUint32(b[4:], r.Size)
	le.PutUint32(b[8:], r.Offset)
	le.PutUint64(b[16:], r.Addr)
}

func (r *RegisterSharedMemoryBody) unmarshal(b []byte) {
	r.Flags = le.Uint32(b[0:])
	r.Size = le.Uint32(b[4:])
	r.Offset = le.Uint32(b[8:])
	r.Addr = le.Uint64(b[16:])
}

func (r *ReleaseSharedMemoryBody) marshal(b []byte)   { le.PutUint32(b, r.Block) }
func (r *ReleaseSharedMemoryBody) unmarshal(b []byte) { r.Block = le.Uint32(b) }

func (i *InvokeBody) marshal(b []byte) {
	le.PutUint32(b[0:], i.Session)
	le.PutUint32(b[4:], i.Command)
	le.PutUint32(b[8:], i.ParamTypes)
	le.PutUint64(b[16:], i.Timeout)
	for n, p := range i.Params {
		off := 24 + n*paramSize
		le.PutUint32(b[off:], p.A)
		le.PutUint32(b[off+4:], p.B)
		le.PutUint32(b[off+8:], p.C)
	}
}

func (i *InvokeBody) unmarshal(b []byte) {
	i.Session = le.Uint32(b[0:])
	i.Command = le.Uint32(b[4:])
	i.ParamTypes = le.Uint32(b[8:])
	i.Timeout = le.Uint64(b[16:])
	for n := range i.Params {
		off := 24 + n*paramSize
		i.Params[n] = Param{
			A: le.Uint32(b[off:]),
			B: le.Uint32(b[off+4:]),
			C: le.Uint32(b[off+8:]),
		}
	}
}

func (c *CancelBody) marshal(b []byte) {
	le.PutUint32(b[0:], c.Session)
	le.PutUint64(b[8:], c.Target)
}

func (c *CancelBody) unmarshal(b []byte) {
	c.Session = le.Uint32(b[0:])
	c.Target = le.Uint64(b[8:])
}

func (m *ManagementBody) marshal(b []byte)   { le.PutUint32(b, m.Command) }
func (m *ManagementBody) unmarshal(b []byte) { m.Command = le.Uint32(b) }

// NewBody returns an empty body for command type t.
func NewBody(t MessageType) (CommandBody, error) {
	switch t {
	case MsgCreateContext:
		return &CreateContextBody{}, nil
	case MsgDestroyContext:
		return &DestroyContextBody{}, nil
	case MsgOpenSession:
		return &OpenSessionBody{}, nil
	case MsgCloseSession:
		return &CloseSessionBody{}, nil
	case MsgRegisterSharedMemory:
		return &RegisterSharedMemoryBody{}, nil
	case MsgReleaseSharedMemory:
		return &ReleaseSharedMemoryBody{}, nil
	case MsgInvoke:
		return &InvokeBody{}, nil
	case MsgCancel:
		return &CancelBody{}, nil
	case MsgManagement:
		return &ManagementBody{}, nil
	default:
		return nil, fmt.Errorf("message type %v: %w", t, ErrorBadFormat)
	}
}

// Command is a message from the normal world to the secure world.
type Command struct {
	// Context is the secure world handle of the device context the
	// command applies to. It is zero for CreateContext and Management.
	Context uint32

	// OperationID is chosen by the sender and echoed in the answer.
	OperationID uint64

	Body CommandBody
}

// Type returns the message type of c.
func (c *Command) Type() MessageType {
	return c.Body.MessageType()
}

// SizeBytes returns the encoded size of a command.
func (*Command) SizeBytes() int {
	return CommandSlotSize
}

// MarshalBytes serializes c into dst, which must be at least
// CommandSlotSize bytes.
func (c *Command) MarshalBytes(dst []byte) {
	dst = dst[:CommandSlotSize]
	clear(dst)
	dst[0] = byte(c.Body.MessageType())
	dst[1] = CommandBodySize
	le.PutUint32(dst[4:], c.Context)
	le.PutUint64(dst[8:], c.OperationID)
	c.Body.marshal(dst[CommandHeaderSize:])
}

// UnmarshalBytes deserializes a command from src.
func (c *Command) UnmarshalBytes(src []byte) error {
	if len(src) < CommandSlotSize {
		return fmt.Errorf("command slot of %d bytes: %w", len(src), ErrorBadFormat)
	}
	body, err := NewBody(MessageType(src[0]))
	if err != nil {
		return err
	}
	c.Context = le.Uint32(src[4:])
	c.OperationID = le.Uint64(src[8:])
	body.unmarshal(src[CommandHeaderSize:CommandSlotSize])
	c.Body = body
	return nil
}

// Answer is a message from the secure world to the normal world.
type Answer struct {
	Type        MessageType
	Origin      Origin
	Code        ErrorCode
	OperationID uint64

	// Handle is the handle created by a CreateContext, OpenSession or
	// RegisterSharedMemory command.
	Handle uint32

	// Outputs holds, for Invoke answers, the output value A of each value
	// parameter or the written size of each memref parameter.
	Outputs [NumParams]uint32
}

// SizeBytes returns the encoded size of an answer.
func (*Answer) SizeBytes() int {
	return AnswerSlotSize
}

// MarshalBytes serializes a into dst, which must be at least AnswerSlotSize
// bytes.
func (a *Answer) MarshalBytes(dst []byte) {
	dst = dst[:AnswerSlotSize]
	clear(dst)
	dst[0] = byte(a.Type)
	dst[1] = byte(a.Origin)
	le.PutUint32(dst[4:], uint32(a.Code))
	le.PutUint64(dst[8:], a.OperationID)
	body := dst[AnswerHeaderSize:]
	if a.Type == MsgInvoke {
		for i, v := range a.Outputs {
			le.PutUint32(body[4*i:], v)
		}
		return
	}
	le.PutUint32(body, a.Handle)
}

// UnmarshalBytes deserializes an answer from src.
func (a *Answer) UnmarshalBytes(src []byte) error {
	if len(src) < AnswerSlotSize {
		return fmt.Errorf("answer slot of %d bytes: %w", len(src), ErrorBadFormat)
	}
	*a = Answer{
		Type:        MessageType(src[0]),
		Origin:      Origin(src[1]),
		Code:        ErrorCode(le.Uint32(src[4:])),
		OperationID: le.Uint64(src[8:]),
	}
	body := src[AnswerHeaderSize:AnswerSlotSize]
	if a.Type == MsgInvoke {
		for i := range a.Outputs {
			a.Outputs[i] = le.Uint32(body[4*i:])
		}
		return nil
	}
	a.Handle = le.Uint32(body)
	return nil
}
