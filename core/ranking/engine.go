// Package ranking scores and orders roster contacts for a job. Candidates
// are ranked by location, blackout windows, schedule conflicts and skill
// match; the result is deterministic for identical inputs.
package ranking

import (
	"context"
	"sort"
	"strings"

	"github.com/crewcall/crewcall/core/gateway"
	"github.com/crewcall/crewcall/core/logger"
	"github.com/crewcall/crewcall/core/model"
)

// Fixed scoring weights. Skills and location carry the most weight.
const (
	weightLocation   = 3
	weightNoBlackout = 2
	weightNoConflict = 2
	weightSkills     = 3

	// DefaultDistanceThreshold is the travel distance in meters under which a
	// candidate is considered local to the job.
	DefaultDistanceThreshold = 50_000
)

// Candidate is a transient ranking record. It is recomputed per dispatch
// request and never persisted.
type Candidate struct {
	Contact          model.Contact
	Score            int
	MeetsAllCriteria bool
	DistanceMeters   float64 // negative when unknown
	MatchesLocation  bool
	WithinBlackout   bool
	HasConflict      bool
	SkillsMatch      bool
}

// ConflictSource reports whether a contact is already confirmed on a job
// overlapping the given window.
type ConflictSource interface {
	HasConfirmedOverlap(ctx context.Context, contactID string, w model.DateRange) (bool, error)
}

// Engine ranks contacts for a job.
type Engine struct {
	estimator gateway.DistanceEstimator // nil disables distance lookups
	conflicts ConflictSource            // nil disables conflict detection
	extractor SkillExtractor
	threshold float64
	log       logger.Logger
}

// NewEngine creates a ranking engine. estimator and conflicts may be nil, in
// which case the corresponding checks degrade gracefully.
func NewEngine(estimator gateway.DistanceEstimator, conflicts ConflictSource, extractor SkillExtractor, log logger.Logger) *Engine {
	if extractor == nil {
		extractor = RegexSkillExtractor{}
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Engine{
		estimator: estimator,
		conflicts: conflicts,
		extractor: extractor,
		threshold: DefaultDistanceThreshold,
		log:       log,
	}
}

// SetDistanceThreshold overrides the local-distance threshold in meters.
func (e *Engine) SetDistanceThreshold(meters float64) {
	if meters > 0 {
		e.threshold = meters
	}
}

// Rank orders the contacts best-first for the job. Opted-out contacts are
// excluded. A failed distance lookup degrades the affected contacts to
// fallback text matching and never aborts the ranking.
func (e *Engine) Rank(ctx context.Context, contacts []model.Contact, job model.Job) []Candidate {
	eligible := make([]model.Contact, 0, len(contacts))
	for _, c := range contacts {
		if c.OptedOut {
			continue
		}
		eligible = append(eligible, c)
	}

	distances := e.lookupDistances(ctx, eligible, job)
	required := job.RequiredSkills
	if !job.HasStructuredSkills() {
		required = e.extractor.Extract(job.Notes)
	}

	cands := make([]Candidate, 0, len(eligible))
	for _, c := range eligible {
		cand := Candidate{Contact: c, DistanceMeters: -1}
		if d, ok := distances[c.ID]; ok {
			cand.DistanceMeters = d
			cand.MatchesLocation = d <= e.threshold
		} else {
			cand.MatchesLocation = fallbackLocationMatch(job.Location, c)
		}
		cand.WithinBlackout = c.InBlackout(job.Window)
		cand.SkillsMatch = c.HasSkills(required)
		if e.conflicts != nil {
			conflict, err := e.conflicts.HasConfirmedOverlap(ctx, c.ID, job.Window)
			if err != nil {
				e.log.Warnf("conflict lookup for %s failed: %v", c.ID, err)
			} else {
				cand.HasConflict = conflict
			}
		}
		cand.Score = score(cand)
		cand.MeetsAllCriteria = cand.MatchesLocation && !cand.WithinBlackout && !cand.HasConflict && cand.SkillsMatch
		cands = append(cands, cand)
	}

	ranked := order(cands)
	if len(job.SkillQuotas) > 0 {
		ranked = applyQuotas(ranked, job.SkillQuotas)
	}
	return ranked
}

func score(c Candidate) int {
	s := 0
	if c.MatchesLocation {
		s += weightLocation
	}
	if !c.WithinBlackout {
		s += weightNoBlackout
	}
	if !c.HasConflict {
		s += weightNoConflict
	}
	if c.SkillsMatch {
		s += weightSkills
	}
	return s
}

// lookupDistances resolves travel distances for contacts with an address,
// chunked to the estimator's batch limit. A failed chunk only degrades its
// own contacts.
func (e *Engine) lookupDistances(ctx context.Context, contacts []model.Contact, job model.Job) map[string]float64 {
	out := make(map[string]float64)
	if e.estimator == nil || job.Location == "" {
		return out
	}
	dests := make(map[string]string)
	order := make([]string, 0, len(contacts))
	for _, c := range contacts {
		if strings.TrimSpace(c.Address) == "" {
			continue
		}
		dests[c.ID] = c.Address
		order = append(order, c.ID)
	}
	limit := e.estimator.BatchLimit()
	if limit <= 0 {
		limit = len(order)
	}
	for start := 0; start < len(order); start += limit {
		end := start + limit
		if end > len(order) {
			end = len(order)
		}
		chunk := make(map[string]string, end-start)
		for _, id := range order[start:end] {
			chunk[id] = dests[id]
		}
		got, err := e.estimator.BatchDistances(ctx, job.Location, chunk)
		if err != nil {
			e.log.Warnf("distance lookup failed for %d destinations: %v", len(chunk), err)
			continue
		}
		for id, meters := range got {
			out[id] = meters
		}
	}
	return out
}

// fallbackLocationMatch is the coarse text-containment check used when no
// distance is available: either string contains the other, or a tag matches
// the job location.
func fallbackLocationMatch(jobLocation string, c model.Contact) bool {
	loc := strings.ToLower(strings.TrimSpace(jobLocation))
	if loc == "" {
		return false
	}
	addr := strings.ToLower(strings.TrimSpace(c.Address))
	if addr != "" && (strings.Contains(addr, loc) || strings.Contains(loc, addr)) {
		return true
	}
	for _, tag := range c.Tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if t != "" && (strings.Contains(loc, t) || strings.Contains(t, loc)) {
			return true
		}
	}
	return false
}

// order partitions candidates into primary (meets all criteria, best score
// first) and secondary (closest first) and concatenates them.
func order(cands []Candidate) []Candidate {
	var primary, secondary []Candidate
	for _, c := range cands {
		if c.MeetsAllCriteria {
			primary = append(primary, c)
		} else {
			secondary = append(secondary, c)
		}
	}
	sort.SliceStable(primary, func(i, j int) bool {
		if primary[i].Score != primary[j].Score {
			return primary[i].Score > primary[j].Score
		}
		return less(primary[i].DistanceMeters, primary[j].DistanceMeters)
	})
	sort.SliceStable(secondary, func(i, j int) bool {
		if secondary[i].DistanceMeters != secondary[j].DistanceMeters {
			return less(secondary[i].DistanceMeters, secondary[j].DistanceMeters)
		}
		return secondary[i].Score > secondary[j].Score
	})
	return append(primary, secondary...)
}

// less treats unknown distances (negative) as farther than any known one.
func less(a, b float64) bool {
	if a < 0 {
		return false
	}
	if b < 0 {
		return true
	}
	return a < b
}

// applyQuotas greedily pulls candidates forward to satisfy per-skill
// headcount quotas in declaration order. A candidate is moved at most once;
// everyone else keeps the base ranking.
func applyQuotas(ranked []Candidate, quotas []model.SkillQuota) []Candidate {
	taken := make([]bool, len(ranked))
	var front []Candidate
	for _, q := range quotas {
		need := q.Count
		for i, c := range ranked {
			if need == 0 {
				break
			}
			if taken[i] || !c.Contact.HasSkill(q.Skill) {
				continue
			}
			taken[i] = true
			front = append(front, c)
			need--
		}
	}
	for i, c := range ranked {
		if !taken[i] {
			front = append(front, c)
		}
	}
	return front
}
