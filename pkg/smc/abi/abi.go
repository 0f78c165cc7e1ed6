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

// Package abi defines the binary interface between the normal world and the
// secure monitor: call gate function identifiers, the layout of the L1
// shared page, message and answer encodings, RPC command words and the
// parameter blocks exchanged through the L0 page.
//
// All multi-byte fields are little-endian.
package abi

import (
	"errors"
	"fmt"
)

// Protocol version. The secure world reports its version in the Init RPC; a
// different major version is fatal to the channel.
const (
	VersionMajor = 2
	VersionMinor = 3
)

// Version returns the encoded protocol version of this implementation.
func Version() uint32 {
	return MakeVersion(VersionMajor, VersionMinor)
}

// MakeVersion encodes a protocol version.
func MakeVersion(major, minor uint32) uint32 {
	return major<<16 | minor&0xffff
}

// VersionMajorOf returns the major component of v.
func VersionMajorOf(v uint32) uint32 {
	return v >> 16
}

// VersionString formats an encoded version.
func VersionString(v uint32) string {
	return fmt.Sprintf("%d.%d", v>>16, v&0xffff)
}

// ErrProtocolVersion is returned when the secure world speaks an
// incompatible major protocol version.
var ErrProtocolVersion = errors.New("incompatible secure world protocol version")

// Call gate function identifiers.
const (
	// FuncInit starts the channel. Arguments: L0 address, L1 address,
	// boot buffer address, boot buffer length.
	FuncInit uint32 = 0x1

	// FuncYield hands the CPU to the secure world so that it can process
	// commands and post answers. No arguments.
	FuncYield uint32 = 0x2

	// FuncRPCReturn resumes the secure world after an RPC has been
	// executed. The RPC status is in the L1 page.
	FuncRPCReturn uint32 = 0x3
)

// Call gate flags.
const (
	// GateFlagIRQEnable leaves interrupts enabled in the secure world for
	// the duration of the call.
	GateFlagIRQEnable uint32 = 1 << 0

	// GateFlagCritical marks the call as a critical section; the secure
	// world must not schedule other work before returning.
	GateFlagCritical uint32 = 1 << 1
)

// Call gate return values.
const (
	// ReturnYield means the secure world yielded; queues may have changed.
	ReturnYield uint32 = 0

	// ReturnRPC means the secure world requests an RPC described in the
	// L1 page. The normal world executes it and calls FuncRPCReturn.
	ReturnRPC uint32 = 1

	// ReturnTerminated means the secure monitor exited. The channel is
	// dead.
	ReturnTerminated uint32 = 2

	// ReturnBadCall means the call gate rejected the function or its
	// arguments.
	ReturnBadCall uint32 = 3
)

// MaxGateArgs is the number of argument words in an argument block.
const MaxGateArgs = 4

// GateArgsSize is the encoded size of GateArgs.
const GateArgsSize = 8 + 8*MaxGateArgs

// GateArgs is the argument block passed by physical address to the call
// gate. It must stay pinned for the duration of the call.
type GateArgs struct {
	Count uint32
	Args  [MaxGateArgs]uint64
}

// MarshalBytes serializes a into dst.
func (a *GateArgs) MarshalBytes(dst []byte) {
	le.PutUint32(dst[0:], a.Count)
	le.PutUint32(dst[4:], 0)
	for i, v := range a.Args {
		le.PutUint64(dst[8+8*i:], v)
	}
}

// UnmarshalBytes deserializes a from src.
func (a *GateArgs) UnmarshalBytes(src []byte) error {
	if len(src) < GateArgsSize {
		return fmt.Errorf("argument block of %d bytes: %w", len(src), ErrorBadFormat)
	}
	a.Count = le.Uint32(src[0:])
	if a.Count > MaxGateArgs {
		return fmt.Errorf("argument count %d: %w", a.Count, ErrorBadParameters)
	}
	for i := range a.Args {
		a.Args[i] = le.Uint64(src[8+8*i:])
	}
	return nil
}

// ErrorCode is the status carried by answers and RPC results. It implements
// error so that answer codes can be returned directly.
type ErrorCode uint32

// Error codes.
const (
	Success             ErrorCode = 0x00000000
	ErrorGeneric        ErrorCode = 0xFFFF0000
	ErrorAccessDenied   ErrorCode = 0xFFFF0001
	ErrorCancel         ErrorCode = 0xFFFF0002
	ErrorAccessConflict ErrorCode = 0xFFFF0003
	ErrorExcessData     ErrorCode = 0xFFFF0004
	ErrorBadFormat      ErrorCode = 0xFFFF0005
	ErrorBadParameters  ErrorCode = 0xFFFF0006
	ErrorBadState       ErrorCode = 0xFFFF0007
	ErrorItemNotFound   ErrorCode = 0xFFFF0008
	ErrorNotImplemented ErrorCode = 0xFFFF0009
	ErrorNotSupported   ErrorCode = 0xFFFF000A
	ErrorNoData         ErrorCode = 0xFFFF000B
	ErrorOutOfMemory    ErrorCode = 0xFFFF000C
	ErrorBusy           ErrorCode = 0xFFFF000D
	ErrorCommunication  ErrorCode = 0xFFFF000E
	ErrorSecurity       ErrorCode = 0xFFFF000F
	ErrorShortBuffer    ErrorCode = 0xFFFF0010
)

var errorNames = map[ErrorCode]string{
	Success:             "success",
	ErrorGeneric:        "generic error",
	ErrorAccessDenied:   "access denied",
	ErrorCancel:         "cancelled",
	ErrorAccessConflict: "access conflict",
	ErrorExcessData:     "excess data",
	ErrorBadFormat:      "bad format",
	ErrorBadParameters:  "bad parameters",
	ErrorBadState:       "bad state",
	ErrorItemNotFound:   "item not found",
	ErrorNotImplemented: "not implemented",
	ErrorNotSupported:   "not supported",
	ErrorNoData:         "no data",
	ErrorOutOfMemory:    "out of memory",
	ErrorBusy:           "busy",
	ErrorCommunication:  "communication error",
	ErrorSecurity:       "security error",
	ErrorShortBuffer:    "short buffer",
}

// Error implements error.Error.
func (e ErrorCode) Error() string {
	if s, ok := errorNames[e]; ok {
		return fmt.Sprintf("%s (%#08x)", s, uint32(e))
	}
	return fmt.Sprintf("error %#08x", uint32(e))
}

// Err returns nil for Success and e otherwise.
func (e ErrorCode) Err() error {
	if e == Success {
		return nil
	}
	return e
}

// CodeOf returns the ErrorCode carried by err, ErrorGeneric if err carries
// none, and Success if err is nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return ErrorGeneric
}

// Origin identifies which layer produced an error in an answer.
type Origin uint8

// Error origins.
const (
	OriginAPI        Origin = 1
	OriginComms      Origin = 2
	OriginTEE        Origin = 3
	OriginTrustedApp Origin = 4
)
