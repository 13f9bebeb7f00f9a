package validation

import (
	"strings"

	"github.com/and161185/ogx-gateway/internal/ogx"
)

// ValidateMessage checks the message envelope and every field below it.
// All violations are collected into one MessageValidationError.
func ValidateMessage(m *ogx.Message, c Context) error {
	w := newWalker(c)
	w.root(m)
	return ogx.Aggregate(ogx.KindMessage, ogx.CodeInvalidMessageFormat, "", w.errs)
}

// Validate runs structural and size validation in one pass. A message that
// only breaks its size ceiling yields the SizeValidationError itself.
func Validate(m *ogx.Message, c Context) error {
	w := newWalker(c)
	w.root(m)
	if m == nil {
		return ogx.Aggregate(ogx.KindMessage, ogx.CodeInvalidMessageFormat, "", w.errs)
	}
	sizeErr := checkSize(m, c.Direction)
	if len(w.errs) == 0 && sizeErr != nil {
		return sizeErr
	}
	if sizeErr != nil {
		w.errs = append(w.errs, sizeErr)
	}
	return ogx.Aggregate(ogx.KindMessage, ogx.CodeInvalidMessageFormat, "", w.errs)
}

func (w *walker) root(m *ogx.Message) {
	if m == nil {
		w.add(ogx.KindMessage, ogx.CodeMissingRequiredField, "", "message is required")
		return
	}
	w.message(m, "", 0)
}

func (w *walker) message(m *ogx.Message, path string, depth int) {
	if depth > w.limit {
		w.add(ogx.KindMessage, ogx.CodeNestingTooDeep, path, "nesting deeper than %d levels", w.limit)
		return
	}
	if strings.TrimSpace(m.Name) == "" {
		w.add(ogx.KindMessage, ogx.CodeMissingRequiredField, join(path, "Name"), "message name is required")
	}
	if m.SIN < ogx.MinSIN || m.SIN > ogx.MaxSIN {
		w.add(ogx.KindMessage, ogx.CodeOutOfRange, join(path, "SIN"), "SIN %d not in %d..%d", m.SIN, ogx.MinSIN, ogx.MaxSIN)
	}
	if m.MIN < ogx.MinMIN || m.MIN > ogx.MaxMIN {
		w.add(ogx.KindMessage, ogx.CodeOutOfRange, join(path, "MIN"), "MIN %d not in %d..%d", m.MIN, ogx.MinMIN, ogx.MaxMIN)
	}
	if m.Fields == nil {
		w.add(ogx.KindMessage, ogx.CodeMissingRequiredField, join(path, "Fields"), "message fields are required")
		return
	}
	w.fields(m.Fields, join(path, "Fields"), depth)
}

// fields validates a Fields list and rejects repeated names within it.
func (w *walker) fields(fs []ogx.Field, path string, depth int) {
	seen := make(map[string]int, len(fs))
	for i := range fs {
		fp := index(path, i)
		if name := fs[i].Name; name != "" {
			if j, dup := seen[name]; dup {
				w.add(ogx.KindField, ogx.CodeDuplicateFieldName, join(fp, "Name"),
					"name %q already used by %s", name, index(path, j))
			} else {
				seen[name] = i
			}
		}
		w.field(&fs[i], fp, depth)
	}
}
