package permission

import (
	"fmt"
	"regexp"

	"cohort/internal/domain"
)

// Set is the aggregated capability set of one user for one (study,
// project?, operation) resolution. It is derived, never persisted, and
// built fresh per request: role membership can change at any time, so a
// cached set would be unsound.
//
// Patterns are compiled exactly once when the set is built and the
// compiled matchers are reused across every subject/visit/field check made
// with the set during the request.
type Set struct {
	all bool

	hasVersioned bool
	coversLive   bool

	subjectPatterns []string // anchored regex sources, for store predicates
	visitPatterns   []string
	fieldPatterns   []string

	subjectRe []*regexp.Regexp
	visitRe   []*regexp.Regexp
	fieldRe   []*regexp.Regexp

	matchObjects []MetadataFilter
}

// anchorPattern wraps a grant pattern so it is matched against the whole
// candidate id rather than any substring: "^S1$" must reject "S10" and
// "^P1.*" must reject "XP100". Inner anchors stay valid under RE2.
func anchorPattern(p string) string {
	return "^(?:" + p + ")$"
}

// NewSet folds data-grant entries into a capability set. Every pattern is
// compiled here, once. The entries' metadata sub-filters become the set's
// match objects, one disjunct per entry that carries one.
func NewSet(entries []Permission) (*Set, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	s := &Set{}
	for _, e := range entries {
		if e.Coverage != CoverageLive {
			s.hasVersioned = true
		}
		if e.Coverage != CoverageVersioned {
			s.coversLive = true
		}
		if err := s.addPatterns(e.SubjectPatterns, &s.subjectPatterns, &s.subjectRe); err != nil {
			return nil, err
		}
		if err := s.addPatterns(e.VisitPatterns, &s.visitPatterns, &s.visitRe); err != nil {
			return nil, err
		}
		if err := s.addPatterns(e.FieldPatterns, &s.fieldPatterns, &s.fieldRe); err != nil {
			return nil, err
		}
		if len(e.Metadata) > 0 {
			s.matchObjects = append(s.matchObjects, e.Metadata)
		}
	}
	return s, nil
}

// AllAccess is the sentinel set for admin users: every coordinate check
// succeeds and no store-level pattern predicate is emitted.
func AllAccess() *Set {
	return &Set{all: true, hasVersioned: true, coversLive: true}
}

func (s *Set) addPatterns(raw []string, sources *[]string, compiled *[]*regexp.Regexp) error {
	for _, p := range raw {
		anchored := anchorPattern(p)
		if contains(*sources, anchored) {
			continue
		}
		re, err := regexp.Compile(anchored)
		if err != nil {
			return &domain.ValidationError{Message: fmt.Sprintf("invalid permission pattern %q: %v", p, err)}
		}
		*sources = append(*sources, anchored)
		*compiled = append(*compiled, re)
	}
	return nil
}

// Combine merges any number of sets with union semantics: the result
// accepts every coordinate any input accepts, the versioned/live flags are
// OR-ed and the metadata disjuncts concatenated. Union is the whole
// security model here - a user holding both a study grant and a narrower
// project grant ends up with the union of what either allows. The
// operation is commutative and associative; nil inputs (no access) are
// identity elements, and combining only nils yields nil.
func Combine(sets ...*Set) *Set {
	var out *Set
	for _, in := range sets {
		if in == nil {
			continue
		}
		if out == nil {
			out = &Set{}
		}
		out.all = out.all || in.all
		out.hasVersioned = out.hasVersioned || in.hasVersioned
		out.coversLive = out.coversLive || in.coversLive
		mergePatterns(&out.subjectPatterns, &out.subjectRe, in.subjectPatterns, in.subjectRe)
		mergePatterns(&out.visitPatterns, &out.visitRe, in.visitPatterns, in.visitRe)
		mergePatterns(&out.fieldPatterns, &out.fieldRe, in.fieldPatterns, in.fieldRe)
		out.matchObjects = append(out.matchObjects, in.matchObjects...)
	}
	return out
}

// mergePatterns reuses the already-compiled matchers; combining sets never
// recompiles a pattern.
func mergePatterns(sources *[]string, compiled *[]*regexp.Regexp, inSources []string, inCompiled []*regexp.Regexp) {
	for i, src := range inSources {
		if contains(*sources, src) {
			continue
		}
		*sources = append(*sources, src)
		*compiled = append(*compiled, inCompiled[i])
	}
}

// CheckDataEntryValid reports whether the set admits the given data
// coordinate: the field id must match at least one field pattern, and each
// of subject/visit, when present, must match at least one of its patterns.
// There is no partial match - a coordinate either satisfies all supplied
// dimensions or it is excluded.
func (s *Set) CheckDataEntryValid(fieldID string, subjectID, visitID *string) bool {
	if s == nil {
		return false
	}
	if s.all {
		return true
	}
	if !matchAny(s.fieldRe, fieldID) {
		return false
	}
	if subjectID != nil && !matchAny(s.subjectRe, *subjectID) {
		return false
	}
	if visitID != nil && !matchAny(s.visitRe, *visitID) {
		return false
	}
	return true
}

func matchAny(patterns []*regexp.Regexp, candidate string) bool {
	for _, re := range patterns {
		if re.MatchString(candidate) {
			return true
		}
	}
	return false
}

// IsAll reports whether this is the admin sentinel.
func (s *Set) IsAll() bool { return s != nil && s.all }

// HasVersionedGrant reports whether any folded grant covers frozen data.
func (s *Set) HasVersionedGrant() bool { return s != nil && s.hasVersioned }

// CoversLive reports whether any folded grant covers unversioned data.
func (s *Set) CoversLive() bool { return s != nil && s.coversLive }

// SubjectPatterns returns the anchored pattern sources for store-level
// predicates. Callers must treat the slice as read-only.
func (s *Set) SubjectPatterns() []string { return s.subjectPatterns }

// VisitPatterns returns the anchored visit pattern sources.
func (s *Set) VisitPatterns() []string { return s.visitPatterns }

// FieldPatterns returns the anchored field pattern sources.
func (s *Set) FieldPatterns() []string { return s.fieldPatterns }

// MatchObjects returns the metadata sub-filters contributed by the folded
// grants, one disjunct each.
func (s *Set) MatchObjects() []MetadataFilter { return s.matchObjects }

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
