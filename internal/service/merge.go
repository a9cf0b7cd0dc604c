package service

import (
	"sort"

	"cohort/internal/domain/models"
)

// mergeRecords folds an ordered record stream into one winner per
// (subject, visit, field) coordinate: the first record with a non-nil
// value wins. The input order is the store's ordering contract
// (authoritative version first, newest upload first within a version), so
// a live tombstone is only "filled in" by an older frozen value when
// every more authoritative record at the coordinate is a tombstone too.
// Coordinates where all records are tombstones disappear from the output.
//
// The output is sorted by subject, visit, field, so the merge result is a
// pure function of the record set and never of iteration order.
func mergeRecords(records []models.DataRecord) []models.DataRecord {
	type coordinate struct {
		subject, visit, field string
	}

	winners := make(map[coordinate]models.DataRecord)
	for _, record := range records {
		key := coordinate{record.SubjectID, record.VisitID, record.FieldID}
		if existing, ok := winners[key]; ok && existing.Value != nil {
			continue
		}
		if _, ok := winners[key]; ok && record.Value == nil {
			continue
		}
		winners[key] = record
	}

	merged := make([]models.DataRecord, 0, len(winners))
	for _, record := range winners {
		if record.Value == nil {
			continue
		}
		merged = append(merged, record)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].SubjectID != merged[j].SubjectID {
			return merged[i].SubjectID < merged[j].SubjectID
		}
		if merged[i].VisitID != merged[j].VisitID {
			return merged[i].VisitID < merged[j].VisitID
		}
		return merged[i].FieldID < merged[j].FieldID
	})

	return merged
}
