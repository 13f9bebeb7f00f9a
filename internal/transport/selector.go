// Package transport chooses the satellite or cellular path for each submission attempt.
package transport

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/and161185/ogx-gateway/internal/errs"
	"github.com/and161185/ogx-gateway/internal/model"
	"github.com/and161185/ogx-gateway/internal/ogx"
)

// Mode orders the enabled transports.
type Mode string

const (
	// ModeOrdered keeps Policy.Priority as given.
	ModeOrdered Mode = "ordered"
	// ModeCost puts the cheapest transport first.
	ModeCost Mode = "cost"
)

// Costs are relative per-message cost factors used by ModeCost.
var Costs = map[model.Transport]float64{
	model.TransportSatellite: 1.5,
	model.TransportCellular:  0.7,
}

var known = []model.Transport{model.TransportSatellite, model.TransportCellular}

// Policy is the operator-controlled routing configuration.
type Policy struct {
	Mode Mode
	// Priority lists the enabled transports, highest first. A transport
	// missing from the list is disabled by policy.
	Priority []model.Transport
	// MaxAttemptsPerTransport bounds attempts per transport for one
	// message. Zero means unbounded.
	MaxAttemptsPerTransport int
	// SatelliteOnlySINs are message classes never routed over cellular.
	SatelliteOnlySINs []int
}

// DefaultMaxAttemptsPerTransport leaves half of the default delivery
// budget for the next transport.
const DefaultMaxAttemptsPerTransport = 4

// DefaultPolicy prefers satellite and moves to cellular once satellite has
// used its share of attempts.
func DefaultPolicy() Policy {
	return Policy{
		Mode:                    ModeOrdered,
		Priority:                []model.Transport{model.TransportSatellite, model.TransportCellular},
		MaxAttemptsPerTransport: DefaultMaxAttemptsPerTransport,
	}
}

// Candidate describes the message being routed.
type Candidate struct {
	Destination string
	Network     ogx.Network
	SIN         int
	Size        int
}

// Reachability reports whether a destination can currently be reached
// over a transport.
type Reachability interface {
	Reachable(t model.Transport, destination string) bool
}

// Selector picks a transport per attempt. It is safe for concurrent use.
type Selector struct {
	order   []model.Transport
	maxPer  int
	satOnly map[int]struct{}
	reach   Reachability
}

// NewSelector validates p and builds a Selector. A nil reach treats every
// transport as reachable.
func NewSelector(p Policy, reach Reachability) (*Selector, error) {
	if p.MaxAttemptsPerTransport < 0 {
		return nil, errors.New("transport: max attempts per transport must be >= 0")
	}
	order := make([]model.Transport, 0, len(p.Priority))
	for _, t := range p.Priority {
		if t != model.TransportSatellite && t != model.TransportCellular {
			return nil, fmt.Errorf("transport: cannot prioritise %s", t)
		}
		if slices.Contains(order, t) {
			return nil, fmt.Errorf("transport: %s listed twice", t)
		}
		order = append(order, t)
	}
	switch p.Mode {
	case "", ModeOrdered:
	case ModeCost:
		slices.SortStableFunc(order, func(a, b model.Transport) int {
			switch {
			case Costs[a] < Costs[b]:
				return -1
			case Costs[a] > Costs[b]:
				return 1
			}
			return 0
		})
	default:
		return nil, fmt.Errorf("transport: unknown mode %q", p.Mode)
	}
	satOnly := make(map[int]struct{}, len(p.SatelliteOnlySINs))
	for _, sin := range p.SatelliteOnlySINs {
		satOnly[sin] = struct{}{}
	}
	return &Selector{order: order, maxPer: p.MaxAttemptsPerTransport, satOnly: satOnly, reach: reach}, nil
}

// Order returns the effective priority order.
func (s *Selector) Order() []model.Transport { return slices.Clone(s.order) }

// Permitted reports whether the message class may travel over t at all.
func (s *Selector) Permitted(t model.Transport, c Candidate) bool {
	switch t {
	case model.TransportSatellite:
		return true
	case model.TransportCellular:
		if c.Network == ogx.NetworkIDP || c.Size > ogx.MaxCellularBytes {
			return false
		}
		_, satOnly := s.satOnly[c.SIN]
		return !satOnly
	}
	return false
}

// Select returns the highest-priority transport that is enabled, permitted
// for the message, reachable and still within its attempt budget given the
// prior attempts. Otherwise it returns errs.ErrTransportExhausted with the
// reason each transport was skipped.
func (s *Selector) Select(c Candidate, prior []model.Attempt) (model.Transport, error) {
	reasons := make([]string, 0, len(known))
	for _, t := range s.order {
		switch {
		case !s.Permitted(t, c):
			reasons = append(reasons, t.String()+" not permitted")
		case s.reach != nil && !s.reach.Reachable(t, c.Destination):
			reasons = append(reasons, t.String()+" unreachable")
		case s.maxPer > 0 && attemptsOn(prior, t) >= s.maxPer:
			reasons = append(reasons, t.String()+" budget spent")
		default:
			return t, nil
		}
	}
	for _, t := range known {
		if !slices.Contains(s.order, t) {
			reasons = append(reasons, t.String()+" disabled")
		}
	}
	return model.TransportUnassigned, fmt.Errorf("%w: %s", errs.ErrTransportExhausted, strings.Join(reasons, ", "))
}

func attemptsOn(prior []model.Attempt, t model.Transport) int {
	n := 0
	for _, a := range prior {
		if a.Transport == t {
			n++
		}
	}
	return n
}
