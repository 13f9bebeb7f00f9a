package validation

import (
	"encoding/base64"
	"errors"
	"slices"
	"strconv"
	"strings"

	"github.com/and161185/ogx-gateway/internal/ogx"
)

// scalarCheck validates a present Value. The returned error has no path;
// the walker fills it in.
type scalarCheck func(value string, f *ogx.Field, c *Context) *ogx.Error

// scalarChecks is the dispatch table for every basic field type.
var scalarChecks = map[ogx.FieldType]scalarCheck{
	ogx.TypeString:      checkString,
	ogx.TypeSignedInt:   checkSignedInt,
	ogx.TypeUnsignedInt: checkUnsignedInt,
	ogx.TypeBoolean:     checkBoolean,
	ogx.TypeEnum:        checkEnum,
	ogx.TypeData:        checkData,
}

var booleanTokens = []string{"true", "false", "True", "False", "1", "0"}

// ValidateField checks one field, recursing into elements and embedded
// messages. path names the field in error reports, e.g. "Fields[2]".
func ValidateField(f *ogx.Field, path string, c Context) error {
	w := newWalker(c)
	w.field(f, path, 0)
	return ogx.Aggregate(ogx.KindField, ogx.CodeInvalidFieldFormat, path, w.errs)
}

func (w *walker) field(f *ogx.Field, path string, depth int) {
	if strings.TrimSpace(f.Name) == "" {
		w.add(ogx.KindField, ogx.CodeMissingRequiredField, join(path, "Name"), "field name is required")
	}
	ft, ok := f.EffectiveType()
	if !ok {
		w.add(ogx.KindField, ogx.CodeInvalidFieldType, join(path, "Type"), "unknown field type %q", f.Type)
		return
	}
	switch ft {
	case ogx.TypeArray:
		w.arrayField(f, path, depth)
	case ogx.TypeMessage:
		w.messageField(f, path, depth)
	case ogx.TypeDynamic, ogx.TypeProperty:
		w.dynamicField(ft, f, path)
	default:
		w.scalarField(ft, f, path)
	}
}

func (w *walker) scalarField(ft ogx.FieldType, f *ogx.Field, path string) {
	if f.Elements != nil {
		w.add(ogx.KindField, ogx.CodeMultiplePayloads, join(path, "Elements"), "%s field cannot carry Elements", ft)
	}
	if f.Message != nil {
		w.add(ogx.KindField, ogx.CodeMultiplePayloads, join(path, "Message"), "%s field cannot carry a Message", ft)
	}
	if f.Value == nil {
		w.add(ogx.KindField, ogx.CodeMissingRequiredField, join(path, "Value"), "%s field requires a Value", ft)
		return
	}
	if e := scalarChecks[ft](*f.Value, f, &w.ctx); e != nil {
		e.Path = join(path, "Value")
		w.errs = append(w.errs, e)
	}
}

func (w *walker) arrayField(f *ogx.Field, path string, depth int) {
	if f.Value != nil {
		w.add(ogx.KindField, ogx.CodeValueNotPermitted, join(path, "Value"), "array field cannot carry a Value")
	}
	if f.Message != nil {
		w.add(ogx.KindField, ogx.CodeMultiplePayloads, join(path, "Message"), "array field cannot carry a Message")
	}
	if f.Elements != nil {
		w.elements(f.Elements, join(path, "Elements"), depth+1)
	}
}

func (w *walker) messageField(f *ogx.Field, path string, depth int) {
	if f.Value != nil {
		w.add(ogx.KindField, ogx.CodeValueNotPermitted, join(path, "Value"), "message field cannot carry a Value")
	}
	if f.Elements != nil {
		w.add(ogx.KindField, ogx.CodeMultiplePayloads, join(path, "Elements"), "message field cannot carry Elements")
	}
	if f.Message == nil {
		w.add(ogx.KindField, ogx.CodeMissingPayload, join(path, "Message"), "message field requires an embedded Message")
		return
	}
	w.message(f.Message, join(path, "Message"), depth+1)
}

func (w *walker) dynamicField(ft ogx.FieldType, f *ogx.Field, path string) {
	attr := strings.TrimSpace(f.TypeAttribute)
	if attr == "" {
		w.add(ogx.KindField, ogx.CodeMissingRequiredField, join(path, "TypeAttribute"), "%s field requires a TypeAttribute", ft)
	} else if at, ok := ogx.ParseFieldType(attr); !ok || !at.IsBasic() {
		w.add(ogx.KindField, ogx.CodeInvalidTypeAttribute, join(path, "TypeAttribute"), "%q is not a basic type", f.TypeAttribute)
	} else {
		w.scalarField(at, f, path)
		return
	}
	if f.Value == nil {
		w.add(ogx.KindField, ogx.CodeMissingRequiredField, join(path, "Value"), "%s field requires a Value", ft)
	}
}

func checkString(string, *ogx.Field, *Context) *ogx.Error { return nil }

func checkSignedInt(v string, _ *ogx.Field, _ *Context) *ogx.Error {
	if _, err := strconv.ParseInt(v, 10, 32); err != nil {
		return numberError(v, "signed 32-bit", err)
	}
	return nil
}

func checkUnsignedInt(v string, _ *ogx.Field, _ *Context) *ogx.Error {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n < 0 {
		return ogx.Errorf(ogx.KindField, ogx.CodeOutOfRange, "", "%q is negative", v)
	}
	if _, err := strconv.ParseUint(v, 10, 32); err != nil {
		return numberError(v, "unsigned 32-bit", err)
	}
	return nil
}

func numberError(v, what string, err error) *ogx.Error {
	if errors.Is(err, strconv.ErrRange) {
		return ogx.Errorf(ogx.KindField, ogx.CodeOutOfRange, "", "%q is out of %s range", v, what)
	}
	return ogx.Errorf(ogx.KindField, ogx.CodeInvalidFieldValue, "", "%q is not a %s integer", v, what)
}

func checkBoolean(v string, _ *ogx.Field, _ *Context) *ogx.Error {
	if !slices.Contains(booleanTokens, v) {
		return ogx.Errorf(ogx.KindField, ogx.CodeInvalidFieldValue, "", "%q is not a boolean", v)
	}
	return nil
}

func checkEnum(v string, f *ogx.Field, c *Context) *ogx.Error {
	if v == "" {
		return ogx.Errorf(ogx.KindField, ogx.CodeInvalidFieldValue, "", "enum value is empty")
	}
	if members, ok := c.Enumerations[f.Name]; ok && !slices.Contains(members, v) {
		return ogx.Errorf(ogx.KindField, ogx.CodeInvalidFieldValue, "", "%q is not one of %s", v, strings.Join(members, ", "))
	}
	return nil
}

func checkData(v string, _ *ogx.Field, _ *Context) *ogx.Error {
	if v == "" {
		return ogx.Errorf(ogx.KindField, ogx.CodeInvalidFieldValue, "", "data value is empty")
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(v)
	if err != nil || base64.StdEncoding.EncodeToString(raw) != v {
		return ogx.Errorf(ogx.KindField, ogx.CodeInvalidFieldFormat, "", "value is not padded standard base64")
	}
	return nil
}
