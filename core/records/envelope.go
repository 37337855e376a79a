// SPDX-FileCopyrightText: Copyright (C) 2024 The veil authors
// SPDX-License-Identifier: AGPL-3.0-only

package records

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind discriminates the messages the dispatcher can route.
type Kind uint8

const (
	// KindCommit is a path build commit message.
	KindCommit Kind = 1

	// KindAck is a hop acknowledgment.
	KindAck Kind = 2

	// KindData is a layered data frame.
	KindData Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindCommit:
		return "commit"
	case KindAck:
		return "ack"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

type encodable interface {
	Encode() ([]byte, error)
}

// Envelope is the outer transport wrapper around every message.
type Envelope struct {
	Kind uint8 `cbor:"t"`

	Body []byte `cbor:"b"`
}

// WrapMessage encodes m and wraps it in an envelope of the given kind.
func WrapMessage(k Kind, m encodable) ([]byte, error) {
	body, err := m.Encode()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&Envelope{Kind: uint8(k), Body: body})
}

// Decode deserializes the envelope.
func (e *Envelope) Decode(b []byte) error {
	if _, err := cbor.UnmarshalFirst(b, e); err != nil {
		return fmt.Errorf("%w: %v", ErrCodec, err)
	}
	switch Kind(e.Kind) {
	case KindCommit, KindAck, KindData:
	default:
		return fmt.Errorf("%w: kind %d", ErrCodec, e.Kind)
	}
	return nil
}
