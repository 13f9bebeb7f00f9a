// Package ogx defines the OGx wire model, its JSON codec and the protocol error taxonomy.
package ogx

import (
	"fmt"
	"strings"
)

// Direction tells which way a message travels relative to the terminal.
type Direction int

const (
	DirectionUnknown Direction = iota
	// ToMobile is a forward message, gateway to terminal.
	ToMobile
	// FromMobile is a return message, terminal to gateway.
	FromMobile
)

func (d Direction) String() string {
	switch d {
	case ToMobile:
		return "to-mobile"
	case FromMobile:
		return "from-mobile"
	default:
		return "unknown"
	}
}

// ParseDirection accepts "to-mobile"/"forward" and "from-mobile"/"return".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "to-mobile", "forward", "fw":
		return ToMobile, nil
	case "from-mobile", "return", "re":
		return FromMobile, nil
	}
	return DirectionUnknown, fmt.Errorf("unknown direction %q", s)
}

// Network is the ORBCOMM network a terminal is provisioned on.
type Network int

const (
	// NetworkOGx is the hybrid OGx network (satellite and cellular).
	NetworkOGx Network = iota
	// NetworkIDP is IsatData Pro, satellite only.
	NetworkIDP
)

func (n Network) String() string {
	if n == NetworkIDP {
		return "idp"
	}
	return "ogx"
}

// ParseNetwork maps a configuration name to a Network.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ogx":
		return NetworkOGx, nil
	case "idp", "isatdatapro":
		return NetworkIDP, nil
	}
	return NetworkOGx, fmt.Errorf("unknown network %q", s)
}

// FieldType is the canonical lower-case wire name of a field type.
type FieldType string

const (
	TypeString      FieldType = "string"
	TypeSignedInt   FieldType = "signedint"
	TypeUnsignedInt FieldType = "unsignedint"
	TypeBoolean     FieldType = "boolean"
	TypeEnum        FieldType = "enum"
	TypeData        FieldType = "data"
	TypeArray       FieldType = "array"
	TypeMessage     FieldType = "message"
	TypeDynamic     FieldType = "dynamic"
	TypeProperty    FieldType = "property"
)

// ParseFieldType normalizes a wire type name. Matching is case-insensitive
// and "bool" is accepted for boolean.
func ParseFieldType(s string) (FieldType, bool) {
	t := FieldType(strings.ToLower(strings.TrimSpace(s)))
	if t == "bool" {
		return TypeBoolean, true
	}
	switch t {
	case TypeString, TypeSignedInt, TypeUnsignedInt, TypeBoolean, TypeEnum,
		TypeData, TypeArray, TypeMessage, TypeDynamic, TypeProperty:
		return t, true
	}
	return t, false
}

// IsBasic reports whether t carries a scalar Value and may be used as a
// TypeAttribute of dynamic and property fields.
func (t FieldType) IsBasic() bool {
	switch t {
	case TypeString, TypeSignedInt, TypeUnsignedInt, TypeBoolean, TypeEnum, TypeData:
		return true
	}
	return false
}

// Message is a structured OGx message. A nil Fields slice means the
// property was absent on the wire.
type Message struct {
	Name      string  `json:"Name"`
	SIN       int     `json:"SIN"`
	MIN       int     `json:"MIN"`
	IsForward *bool   `json:"IsForward,omitempty"`
	Fields    []Field `json:"Fields"`
}

// Field is a named, typed value inside a message or an array element.
type Field struct {
	Name          string    `json:"Name"`
	Type          string    `json:"Type,omitempty"`
	TypeAttribute string    `json:"TypeAttribute,omitempty"`
	Value         *string   `json:"Value,omitempty"`
	Elements      []Element `json:"Elements,omitempty"`
	Message       *Message  `json:"Message,omitempty"`
}

// Element is one indexed entry of an array field.
type Element struct {
	Index  *int    `json:"Index"`
	Fields []Field `json:"Fields"`
}

// EffectiveType resolves the field type: the declared Type when present,
// otherwise inferred from the payload (Elements, Message, then Value).
func (f *Field) EffectiveType() (FieldType, bool) {
	if strings.TrimSpace(f.Type) != "" {
		return ParseFieldType(f.Type)
	}
	switch {
	case f.Elements != nil:
		return TypeArray, true
	case f.Message != nil:
		return TypeMessage, true
	default:
		return TypeString, true
	}
}

// StringValue returns the value or "" when absent.
func (f *Field) StringValue() string {
	if f.Value == nil {
		return ""
	}
	return *f.Value
}

// Str returns a pointer to s, for building fields in code.
func Str(s string) *string { return &s }

// Idx returns a pointer to i, for building elements in code.
func Idx(i int) *int { return &i }
