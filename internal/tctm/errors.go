package tctm

import (
	"errors"

	"example.com/stixgate/internal/bitfield"
)

var (
	ErrTruncatedField               = bitfield.ErrTruncatedField
	ErrHeaderFirstByteInvalid       = errors.New("header first byte invalid")
	ErrHeaderInvalid                = errors.New("header field out of range")
	ErrPacketTooShort               = errors.New("packet too short")
	ErrNoPidInfoInIdb               = errors.New("no packet type information in idb")
	ErrHeaderKeyError               = errors.New("telecommand header lookup failed")
	ErrVariablePacketLengthMismatch = errors.New("packet shorter than its minimum layout length")
	ErrIncompletePacket             = errors.New("incomplete packet")
	ErrInvalidRepeatCount           = errors.New("invalid repeat count")
)
