package service

import (
	"fmt"
	"regexp"

	"cohort/internal/domain"
	"cohort/internal/domain/permission"
	"cohort/internal/domain/repositories"
	"cohort/internal/domain/services"
)

// buildRecordQuery compiles a capability set into the store-side record
// predicate: version membership, the grant matcher, and the visible field
// catalogue. Grants carrying metadata sub-filters match records through
// metadata containment; otherwise the coordinate patterns apply. The
// all-access sentinel emits no grant predicate at all.
//
// Caller-supplied filters are NOT part of the store query; they narrow
// the merged output afterwards (see callerFilter), so a filter can only
// ever shrink what the grants admit.
func buildRecordQuery(set *permission.Set, studyID string, versions []*string, fieldIDs []string) repositories.RecordQuery {
	q := repositories.RecordQuery{
		StudyID:      studyID,
		DataVersions: versions,
		FieldIDs:     fieldIDs,
	}
	if set.IsAll() {
		return q
	}
	if mo := set.MatchObjects(); len(mo) > 0 {
		q.MetadataFilter = mo
		return q
	}
	q.SubjectPatterns = set.SubjectPatterns()
	q.VisitPatterns = set.VisitPatterns()
	q.FieldPatterns = set.FieldPatterns()
	return q
}

// callerFilter is the compiled form of a request's explicit filters. It
// is conjunctive across dimensions and disjunctive within one, exactly
// like the grant matcher, but it intersects with the grants instead of
// widening them.
type callerFilter struct {
	subjects []*regexp.Regexp
	visits   []*regexp.Regexp
	fields   []*regexp.Regexp
	metadata []permission.MetadataFilter
}

func compileCallerFilter(req *services.DataQueryRequest) (*callerFilter, error) {
	f := &callerFilter{metadata: req.Metadata}
	var err error
	if f.subjects, err = compileAnchored(req.SubjectPatterns); err != nil {
		return nil, err
	}
	if f.visits, err = compileAnchored(req.VisitPatterns); err != nil {
		return nil, err
	}
	if f.fields, err = compileAnchored(req.FieldPatterns); err != nil {
		return nil, err
	}
	if f.isEmpty() {
		return nil, nil
	}
	return f, nil
}

func (f *callerFilter) isEmpty() bool {
	return len(f.subjects) == 0 && len(f.visits) == 0 && len(f.fields) == 0 && len(f.metadata) == 0
}

// admits applies the filter to one record coordinate.
func (f *callerFilter) admits(subjectID, visitID, fieldID string, metadata map[string]any) bool {
	if f == nil {
		return true
	}
	if len(f.subjects) > 0 && !matchAnyRe(f.subjects, subjectID) {
		return false
	}
	if len(f.visits) > 0 && !matchAnyRe(f.visits, visitID) {
		return false
	}
	if len(f.fields) > 0 && !matchAnyRe(f.fields, fieldID) {
		return false
	}
	if len(f.metadata) > 0 && !matchAnyMetadata(f.metadata, metadata) {
		return false
	}
	return true
}

func compileAnchored(patterns []string) ([]*regexp.Regexp, error) {
	var compiled []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, &domain.ValidationError{Message: fmt.Sprintf("invalid filter pattern %q: %v", p, err)}
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAnyRe(patterns []*regexp.Regexp, candidate string) bool {
	for _, re := range patterns {
		if re.MatchString(candidate) {
			return true
		}
	}
	return false
}

// matchAnyMetadata reports whether the metadata satisfies at least one
// disjunct. Within a disjunct every key must be present with an equal
// value; array values match as subsets.
func matchAnyMetadata(filters []permission.MetadataFilter, metadata map[string]any) bool {
	for _, filter := range filters {
		if metadataContains(metadata, filter) {
			return true
		}
	}
	return false
}

func metadataContains(metadata map[string]any, filter permission.MetadataFilter) bool {
	for key, want := range filter {
		got, ok := metadata[key]
		if !ok {
			return false
		}
		if !valueContains(got, want) {
			return false
		}
	}
	return true
}

// valueContains mirrors JSONB containment for the value shapes metadata
// tags actually take: scalars compare by equality, arrays by subset.
func valueContains(got, want any) bool {
	wantArr, wantIsArr := want.([]any)
	gotArr, gotIsArr := got.([]any)
	if wantIsArr {
		if !gotIsArr {
			return false
		}
		for _, w := range wantArr {
			found := false
			for _, g := range gotArr {
				if g == w {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
	if gotIsArr {
		// A scalar is contained in an array that holds it.
		for _, g := range gotArr {
			if g == want {
				return true
			}
		}
		return false
	}
	return got == want
}
