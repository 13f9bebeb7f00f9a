package validation

import (
	"strconv"

	"github.com/and161185/ogx-gateway/internal/ogx"
)

// Size returns the accounted byte size of m under the OGx envelope rules.
func Size(m *ogx.Message) int {
	if m == nil {
		return 0
	}
	n := ogx.MessageEnvelopeBytes +
		ogx.MessageNameBaseBytes + len(m.Name) +
		ogx.SINBaseBytes + digits(m.SIN) +
		ogx.MINBaseBytes + digits(m.MIN)
	if m.Fields != nil {
		n += fieldsSize(m.Fields)
	}
	return n
}

func fieldsSize(fs []ogx.Field) int {
	n := ogx.FieldsEnvelopeBytes
	for i := range fs {
		n += fieldSize(&fs[i])
	}
	return n
}

func fieldSize(f *ogx.Field) int {
	n := ogx.FieldEnvelopeBytes + ogx.FieldNameBaseBytes + len(f.Name)
	if f.Value != nil {
		n += ogx.FieldValueBaseBytes + len(*f.Value)
	}
	if f.Message != nil {
		n += Size(f.Message)
	}
	if f.Elements != nil {
		n += ogx.ElementsEnvelopeBytes
		for i := range f.Elements {
			el := &f.Elements[i]
			n += ogx.IndexBaseBytes
			if el.Index != nil {
				n += digits(*el.Index)
			}
			if el.Fields != nil {
				n += fieldsSize(el.Fields)
			}
		}
	}
	return n
}

func digits(n int) int { return len(strconv.Itoa(n)) }

// ValidateSize rejects m when its accounted size is over the ceiling for
// direction. A message exactly at the ceiling passes. Nothing is truncated.
func ValidateSize(m *ogx.Message, direction ogx.Direction) error {
	if e := checkSize(m, direction); e != nil {
		return e
	}
	return nil
}

func checkSize(m *ogx.Message, direction ogx.Direction) *ogx.Error {
	limit := ogx.MaxSize(direction)
	if limit == 0 {
		return ogx.Errorf(ogx.KindSize, ogx.CodeInvalidMessageFormat, "", "no size ceiling for direction %s", direction)
	}
	if size := Size(m); size > limit {
		return ogx.Errorf(ogx.KindSize, ogx.CodeMessageSizeExceeded, "",
			"%d bytes exceeds the %s ceiling of %d bytes", size, direction, limit)
	}
	return nil
}
