package ogx

import "time"

// Payload ceilings per direction, in accounted bytes.
const (
	MaxFromMobileBytes = 6400
	MaxToMobileBytes   = 10240
)

// MaxCellularBytes is the largest message the cellular path carries;
// anything bigger must go over satellite.
const MaxCellularBytes = 1023

// Byte accounting overheads of the OGx envelope.
const (
	MessageEnvelopeBytes  = 2
	MessageNameBaseBytes  = 9
	SINBaseBytes          = 7
	MINBaseBytes          = 7
	FieldsEnvelopeBytes   = 12
	FieldEnvelopeBytes    = 2
	FieldNameBaseBytes    = 10
	FieldValueBaseBytes   = 10
	ElementsEnvelopeBytes = 16
	IndexBaseBytes        = 10
)

// Identifier ranges.
const (
	MinSIN = 1
	MaxSIN = 255
	MinMIN = 1
	MaxMIN = 255
)

// Gateway operating limits.
const (
	MaxSubmitMessages     = 100
	MaxStatusIDs          = 100
	MaxMessagesPerPoll    = 500
	MessageRetention      = 5 * 24 * time.Hour
	DefaultMessageTTL     = 10 * 24 * time.Hour
	DefaultTokenTTL       = 7 * 24 * time.Hour
	MaxTokenTTL           = 365 * 24 * time.Hour
	FilterTimeLayout      = "2006-01-02 15:04:05"
	DefaultAttemptTimeout = 30 * time.Second
)

// MaxSize returns the byte ceiling for a direction, or 0 if unknown.
func MaxSize(d Direction) int {
	switch d {
	case FromMobile:
		return MaxFromMobileBytes
	case ToMobile:
		return MaxToMobileBytes
	}
	return 0
}
