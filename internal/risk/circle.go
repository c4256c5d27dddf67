package risk

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// InteractionSource reads the interaction log
type InteractionSource interface {
	InteractionCounts(ctx context.Context, actorID string, from, to time.Time) (map[string]int, error)
}

// Circle is an account's top counterparties for one day
type Circle struct {
	AccountID string         `json:"account_id"`
	Day       string         `json:"day"`
	Members   []string       `json:"members"`
	Counts    map[string]int `json:"counts"`
	InCircle  int            `json:"in_circle"`
	Total     int            `json:"total"`
}

// Contains reports whether id is in the circle
func (c Circle) Contains(id string) bool {
	_, ok := c.Counts[id]
	return ok
}

// Concentration is the share of all interactions that went to the circle
func (c Circle) Concentration() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.InCircle) / float64(c.Total)
}

// Analyzer derives circles and suspicion from the interaction history
// before the start of each day, cached per day
type Analyzer struct {
	source    InteractionSource
	cfg       Config
	circles   *DayCache[Circle]
	suspicion *DayCache[float64]
}

// NewAnalyzer creates an analyzer
func NewAnalyzer(source InteractionSource, cfg Config) *Analyzer {
	a := &Analyzer{source: source, cfg: cfg}
	a.circles = NewDayCache(a.computeCircle)
	a.suspicion = NewDayCache(func(ctx context.Context, id string, day time.Time) (float64, error) {
		c, err := a.computeCircle(ctx, id, day)
		if err != nil {
			return 0, err
		}
		return a.cfg.Suspicion(c), nil
	})
	return a
}

// Circle returns the account's circle for the day containing at
func (a *Analyzer) Circle(ctx context.Context, accountID string, at time.Time) (Circle, error) {
	return a.circles.Get(ctx, accountID, at)
}

// Suspicion returns the account's suspicion for the day containing at
func (a *Analyzer) Suspicion(ctx context.Context, accountID string, at time.Time) (float64, error) {
	return a.suspicion.Get(ctx, accountID, at)
}

func (a *Analyzer) computeCircle(ctx context.Context, accountID string, day time.Time) (Circle, error) {
	counts, err := a.source.InteractionCounts(ctx, accountID, day.Add(-a.cfg.Window()), day)
	if err != nil {
		return Circle{}, fmt.Errorf("failed to load interactions for %s: %w", accountID, err)
	}
	return BuildCircle(accountID, day, counts, a.cfg.CircleSize), nil
}

// BuildCircle picks the top size counterparties by count, ties broken by id
func BuildCircle(accountID string, day time.Time, counts map[string]int, size int) Circle {
	type pair struct {
		id    string
		count int
	}
	pairs := make([]pair, 0, len(counts))
	total := 0
	for id, n := range counts {
		if id == accountID || n <= 0 {
			continue
		}
		pairs = append(pairs, pair{id, n})
		total += n
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].id < pairs[j].id
	})
	if len(pairs) > size {
		pairs = pairs[:size]
	}

	c := Circle{
		AccountID: accountID,
		Day:       DayKey(day),
		Members:   make([]string, 0, len(pairs)),
		Counts:    make(map[string]int, len(pairs)),
		Total:     total,
	}
	for _, p := range pairs {
		c.Members = append(c.Members, p.id)
		c.Counts[p.id] = p.count
		c.InCircle += p.count
	}
	return c
}

// Suspicion scores how concentrated an account's interactions are
func (c Config) Suspicion(circle Circle) float64 {
	if circle.Total < c.MinInteractions {
		return 0
	}

	s := 0.0
	if conc := circle.Concentration(); conc > c.ConcentrationThreshold {
		s = min(c.ConcentrationCap, (conc-c.ConcentrationThreshold)*c.ConcentrationSlope)
	}

	if n := len(circle.Members); n >= c.VolumeMinMembers {
		avg := float64(circle.InCircle) / float64(n)
		if avg > c.VolumeThreshold {
			boost := min(c.VolumeBoostCap, (avg-c.VolumeThreshold)/c.VolumeBoostDivisor)
			s = min(c.SuspicionCap, s+boost)
		}
	}
	return s
}

// LikerMultiplier damps likes given by a suspicious account
func (c Config) LikerMultiplier(suspicion float64) float64 {
	return 1 - suspicion*c.LikerDamping
}

// AuthorMultiplier damps likes received by a suspicious account
func (c Config) AuthorMultiplier(suspicion float64) float64 {
	return 1 - suspicion*c.AuthorDamping
}
