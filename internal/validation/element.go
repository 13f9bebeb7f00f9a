package validation

import "github.com/and161185/ogx-gateway/internal/ogx"

// ValidateElements checks the elements of one array field: every Index is
// present, non-negative and unique, and together they cover exactly 0..n-1
// in any order. Element fields are validated too.
func ValidateElements(elements []ogx.Element, path string, c Context) error {
	w := newWalker(c)
	w.elements(elements, path, 1)
	return ogx.Aggregate(ogx.KindElement, ogx.CodeInvalidElementFormat, path, w.errs)
}

func (w *walker) elements(es []ogx.Element, path string, depth int) {
	if depth > w.limit {
		w.add(ogx.KindElement, ogx.CodeNestingTooDeep, path, "nesting deeper than %d levels", w.limit)
		return
	}
	seen := make(map[int]int, len(es))
	for i := range es {
		el := &es[i]
		ep := index(path, i)
		switch {
		case el.Index == nil:
			w.add(ogx.KindElement, ogx.CodeMissingIndex, join(ep, "Index"), "element index is required")
		case *el.Index < 0:
			w.add(ogx.KindElement, ogx.CodeNegativeIndex, join(ep, "Index"), "index %d is negative", *el.Index)
		default:
			if j, dup := seen[*el.Index]; dup {
				w.add(ogx.KindElement, ogx.CodeDuplicateIndex, join(ep, "Index"),
					"index %d already used by element %d", *el.Index, j)
			} else {
				seen[*el.Index] = i
			}
		}
		if el.Fields == nil {
			w.add(ogx.KindElement, ogx.CodeMissingFields, join(ep, "Fields"), "element fields are required")
			continue
		}
		w.fields(el.Fields, join(ep, "Fields"), depth)
	}

	// Contiguity is only meaningful once every index is valid and unique.
	if len(seen) != len(es) {
		return
	}
	for i := range len(es) {
		if _, ok := seen[i]; !ok {
			w.add(ogx.KindElement, ogx.CodeNonContiguousIndex, path,
				"indices must be exactly 0..%d, %d is missing", len(es)-1, i)
			return
		}
	}
}
