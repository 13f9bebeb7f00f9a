// Package validation checks OGx messages against the wire format's structural,
// typing and size rules. All validators are pure functions over values.
package validation

import (
	"fmt"

	"github.com/and161185/ogx-gateway/internal/ogx"
)

// Context carries the per-call inputs validators need beyond the message.
type Context struct {
	// Direction selects the size ceiling and the nesting guard.
	Direction ogx.Direction
	// Enumerations maps a field name to its declared members. Enum fields
	// without a declaration only need a non-empty value.
	Enumerations map[string][]string
}

// minLevelBytes is the smallest accounted cost of one nesting level: a
// one-letter field wrapping either a one-element array or a minimal message.
const minLevelBytes = ogx.FieldEnvelopeBytes + ogx.FieldNameBaseBytes + 1 +
	ogx.ElementsEnvelopeBytes + ogx.IndexBaseBytes + 1 + ogx.FieldsEnvelopeBytes

// maxDepth bounds recursion: anything nested deeper could never fit under
// the direction's ceiling.
func (c Context) maxDepth() int {
	limit := ogx.MaxSize(c.Direction)
	if limit == 0 {
		limit = ogx.MaxToMobileBytes
	}
	return limit / minLevelBytes
}

// walker accumulates violations over one recursive pass.
type walker struct {
	ctx   Context
	limit int
	errs  []*ogx.Error
}

func newWalker(c Context) *walker {
	return &walker{ctx: c, limit: c.maxDepth()}
}

func (w *walker) add(kind ogx.Kind, code ogx.Code, path, format string, args ...any) {
	w.errs = append(w.errs, ogx.Errorf(kind, code, path, format, args...))
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func index(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}
