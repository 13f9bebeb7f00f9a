package validation

import (
	"strings"
	"time"

	"github.com/and161185/ogx-gateway/internal/ogx"
)

// Filter selects messages in retrieval and status queries.
type Filter struct {
	// FromUTC is the lower time bound, "YYYY-MM-DD hh:mm:ss" in UTC.
	FromUTC string
	// ForwardIDs limits a status query to specific forward messages.
	ForwardIDs []string
	// TerminalID limits results to one terminal. Empty means any.
	TerminalID string
}

const maxTerminalIDLength = 32

// ValidateFilter checks a retrieval or status filter at time now. FromUTC
// is required unless ForwardIDs are given; it may not be in the future or
// older than the gateway's retention window.
func ValidateFilter(f Filter, now time.Time) error {
	w := newWalker(Context{})

	if f.FromUTC == "" {
		if len(f.ForwardIDs) == 0 {
			w.add(ogx.KindFilter, ogx.CodeMissingRequiredField, "FromUTC", "FromUTC or ForwardIDs is required")
		}
	} else if from, err := time.Parse(ogx.FilterTimeLayout, f.FromUTC); err != nil {
		w.add(ogx.KindFilter, ogx.CodeInvalidMessageFilter, "FromUTC", "%q is not YYYY-MM-DD hh:mm:ss", f.FromUTC)
	} else {
		now = now.UTC()
		switch {
		case from.After(now):
			w.add(ogx.KindFilter, ogx.CodeInvalidMessageFilter, "FromUTC", "%s is in the future", f.FromUTC)
		case now.Sub(from) > ogx.MessageRetention:
			w.add(ogx.KindFilter, ogx.CodeInvalidMessageFilter, "FromUTC",
				"%s is older than the %s retention window", f.FromUTC, ogx.MessageRetention)
		}
	}

	if len(f.ForwardIDs) > ogx.MaxStatusIDs {
		w.add(ogx.KindFilter, ogx.CodeInvalidMessageFilter, "ForwardIDs",
			"%d ids exceeds the limit of %d", len(f.ForwardIDs), ogx.MaxStatusIDs)
	}
	for i, id := range f.ForwardIDs {
		if strings.TrimSpace(id) == "" {
			w.add(ogx.KindFilter, ogx.CodeInvalidMessageFilter, index("ForwardIDs", i), "forward id is empty")
		}
	}

	if f.TerminalID != "" && !isTerminalID(f.TerminalID) {
		w.add(ogx.KindFilter, ogx.CodeInvalidMessageFilter, "TerminalID", "%q is not a terminal id", f.TerminalID)
	}
	return ogx.Aggregate(ogx.KindFilter, ogx.CodeInvalidMessageFilter, "", w.errs)
}

func isTerminalID(s string) bool {
	if len(s) > maxTerminalIDLength {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

// ValidateTerminalID checks a message destination.
func ValidateTerminalID(id string) error {
	if id == "" {
		return ogx.Errorf(ogx.KindMessage, ogx.CodeMissingRequiredField, "DestinationID", "destination is required")
	}
	if !isTerminalID(id) {
		return ogx.Errorf(ogx.KindMessage, ogx.CodeInvalidFieldFormat, "DestinationID", "%q is not a terminal id", id)
	}
	return nil
}
