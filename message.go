// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep

import (
	"fmt"

	"github.com/bassosimone/runtimex"
	"github.com/fxamacker/cbor/v2"
)

// Message is a control channel message.
//
// The set of messages is closed: the only implementations are
// [ReadyToTest], [CurrentMTU], [RoundComplete] and [SweepFinished].
type Message interface {
	fmt.Stringer
	isMessage()
}

// ReadyToTest is sent by the coordinator after applying a new MTU.
type ReadyToTest struct{}

// CurrentMTU is sent by the coordinator right after [ReadyToTest] and
// carries the MTU the coordinator just applied.
type CurrentMTU struct {
	Value uint32
}

// RoundComplete is sent by the responder after its inner sweep.
type RoundComplete struct{}

// SweepFinished is the last message the coordinator sends.
type SweepFinished struct{}

func (ReadyToTest) isMessage()   {}
func (CurrentMTU) isMessage()    {}
func (RoundComplete) isMessage() {}
func (SweepFinished) isMessage() {}

func (ReadyToTest) String() string { return messageTagReadyToTest }

func (m CurrentMTU) String() string {
	return fmt.Sprintf("%s(%d)", messageTagCurrentMTU, m.Value)
}

func (RoundComplete) String() string { return messageTagRoundComplete }

func (SweepFinished) String() string { return messageTagSweepFinished }

// Wire tags.
const (
	messageTagReadyToTest   = "ready_to_test"
	messageTagCurrentMTU    = "current_mtu"
	messageTagRoundComplete = "round_complete"
	messageTagSweepFinished = "sweep_finished"
)

// messageEnvelope is the self-describing CBOR representation of a [Message].
type messageEnvelope struct {
	Type  string  `cbor:"type"`
	Value *uint32 `cbor:"value,omitempty"`
}

// messageDecMode rejects duplicate, unknown or differently cased keys so
// that only the exact envelope decodes.
var messageDecMode = runtimex.PanicOnError1(cbor.DecOptions{
	DupMapKey:         cbor.DupMapKeyEnforcedAPF,
	ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	FieldNameMatching: cbor.FieldNameMatchingCaseSensitive,
}.DecMode())

// MarshalMessage encodes a [Message] into its wire payload.
func MarshalMessage(msg Message) ([]byte, error) {
	var env messageEnvelope
	switch m := msg.(type) {
	case ReadyToTest:
		env.Type = messageTagReadyToTest
	case CurrentMTU:
		value := m.Value
		env.Type, env.Value = messageTagCurrentMTU, &value
	case RoundComplete:
		env.Type = messageTagRoundComplete
	case SweepFinished:
		env.Type = messageTagSweepFinished
	default:
		return nil, fmt.Errorf("cannot marshal %T", msg)
	}
	return cbor.Marshal(env)
}

// UnmarshalMessage decodes a wire payload into a [Message].
//
// Unknown tags and inconsistent envelopes yield a [*ProtocolError]
// matching [ErrMalformed].
func UnmarshalMessage(data []byte) (Message, error) {
	var env messageEnvelope
	if err := messageDecMode.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Kind: ProtocolErrorMalformed, Err: err}
	}
	malformed := func(format string, args ...any) error {
		return &ProtocolError{Kind: ProtocolErrorMalformed, Err: fmt.Errorf(format, args...)}
	}
	var msg Message
	switch env.Type {
	case messageTagCurrentMTU:
		if env.Value == nil {
			return nil, malformed("%s without value", env.Type)
		}
		return CurrentMTU{Value: *env.Value}, nil
	case messageTagReadyToTest:
		msg = ReadyToTest{}
	case messageTagRoundComplete:
		msg = RoundComplete{}
	case messageTagSweepFinished:
		msg = SweepFinished{}
	default:
		return nil, malformed("unknown message type %q", env.Type)
	}
	if env.Value != nil {
		return nil, malformed("%s with unexpected value", env.Type)
	}
	return msg, nil
}
