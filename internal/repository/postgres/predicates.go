package postgres

import (
	"encoding/json"
	"fmt"
	"strings"

	"cohort/internal/domain/permission"
)

// liveVersionKey stands in for a NULL version id when version membership
// is expressed as a text-array predicate. It can never collide with a real
// version id (those are uuids).
const liveVersionKey = ""

// versionKeys flattens a version selector into text keys, mapping the
// nil (live) element onto liveVersionKey.
func versionKeys(versions []*string) []string {
	keys := make([]string, len(versions))
	for i, v := range versions {
		if v == nil {
			keys[i] = liveVersionKey
		} else {
			keys[i] = *v
		}
	}
	return keys
}

// condBuilder accumulates WHERE conditions with positional arguments.
type condBuilder struct {
	conds []string
	args  []interface{}
}

func (b *condBuilder) add(format string, args ...interface{}) {
	placeholders := make([]interface{}, len(args))
	for i := range args {
		b.args = append(b.args, args[i])
		placeholders[i] = len(b.args)
	}
	b.conds = append(b.conds, fmt.Sprintf(format, placeholders...))
}

func (b *condBuilder) where() string {
	if len(b.conds) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(b.conds, " AND ")
}

// addVersionMembership expresses "version column is one of the selected
// versions (nil = live)". An empty selector matches nothing.
func (b *condBuilder) addVersionMembership(column string, versions []*string) {
	if len(versions) == 0 {
		b.conds = append(b.conds, "FALSE")
		return
	}
	b.add("COALESCE("+column+", '') = ANY($%d::text[])", versionKeys(versions))
}

// addPatternMatch expresses "column matches at least one anchored regex".
func (b *condBuilder) addPatternMatch(column string, patterns []string) {
	if len(patterns) == 0 {
		return
	}
	b.add(column+" ~ ANY($%d::text[])", patterns)
}

// addMetadataMatch expresses the OR-of-AND metadata predicate: the JSONB
// metadata must contain at least one disjunct in full. Each disjunct is an
// AND-conjunction rendered as a single containment check.
func (b *condBuilder) addMetadataMatch(column string, filters []permission.MetadataFilter) error {
	if len(filters) == 0 {
		return nil
	}
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		doc, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("marshal metadata filter: %w", err)
		}
		b.args = append(b.args, string(doc))
		parts = append(parts, fmt.Sprintf(column+" @> $%d::jsonb", len(b.args)))
	}
	b.conds = append(b.conds, "("+strings.Join(parts, " OR ")+")")
	return nil
}
