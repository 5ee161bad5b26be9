package instrument

import (
	"fmt"
	"sort"
	"time"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
)

// ExpiryPolicy picks one contract among candidates that all share the same
// underlying, strike and option type and have not expired as of asOf.
type ExpiryPolicy interface {
	Name() string
	Select(candidates []domain.Instrument, asOf time.Time) (domain.Instrument, bool)
}

func PolicyByName(name string) (ExpiryPolicy, error) {
	switch name {
	case "", "nearest":
		return Nearest{}, nil
	case "monthly":
		return Monthly{}, nil
	}
	return nil, fmt.Errorf("unknown expiry policy %q", name)
}

type Nearest struct{}

func (Nearest) Name() string { return "nearest" }

func (Nearest) Select(c []domain.Instrument, asOf time.Time) (domain.Instrument, bool) {
	live := unexpired(c, asOf)
	if len(live) == 0 {
		return domain.Instrument{}, false
	}
	return live[0], true
}

// Monthly takes the nearest contract that is the last listed expiry of its
// calendar month.
type Monthly struct{}

func (Monthly) Name() string { return "monthly" }

func (Monthly) Select(c []domain.Instrument, asOf time.Time) (domain.Instrument, bool) {
	last := map[string]time.Time{}
	for _, in := range c {
		k := in.Expiry.Format("2006-01")
		if in.Expiry.After(last[k]) {
			last[k] = in.Expiry
		}
	}
	for _, in := range unexpired(c, asOf) {
		if in.Expiry.Equal(last[in.Expiry.Format("2006-01")]) {
			return in, true
		}
	}
	return domain.Instrument{}, false
}

// closestTo picks the unexpired contract whose expiry is nearest the hint.
func closestTo(c []domain.Instrument, asOf, hint time.Time) (domain.Instrument, bool) {
	live := unexpired(c, asOf)
	if len(live) == 0 {
		return domain.Instrument{}, false
	}
	best := live[0]
	bestGap := absDur(best.Expiry.Sub(hint))
	for _, in := range live[1:] {
		if g := absDur(in.Expiry.Sub(hint)); g < bestGap {
			best, bestGap = in, g
		}
	}
	return best, true
}

func unexpired(c []domain.Instrument, asOf time.Time) []domain.Instrument {
	day := dateOf(asOf)
	out := make([]domain.Instrument, 0, len(c))
	for _, in := range c {
		if in.Expiry.IsZero() || in.Expiry.Before(day) {
			continue
		}
		out = append(out, in)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Expiry.Before(out[j].Expiry) })
	return out
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
