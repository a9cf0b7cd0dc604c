package service

import (
	"sort"
	"strings"

	"cohort/internal/domain/models"
	"cohort/internal/domain/services"
)

// standardizedPrefix marks the output formats that run the merged rows
// through registered rewrite templates: "standardized-<type>".
const standardizedPrefix = "standardized-"

// standardizedType extracts the template type from a standardized format
// name, or "" when the format is not a standardized one.
func standardizedType(format string) string {
	if !strings.HasPrefix(format, standardizedPrefix) {
		return ""
	}
	return strings.TrimPrefix(format, standardizedPrefix)
}

// groupRecords shapes merged records as fieldId -> subjectId -> visitId
// -> value.
func groupRecords(records []models.DataRecord) map[string]map[string]map[string]string {
	grouped := make(map[string]map[string]map[string]string)
	for _, record := range records {
		byField, ok := grouped[record.FieldID]
		if !ok {
			byField = make(map[string]map[string]string)
			grouped[record.FieldID] = byField
		}
		bySubject, ok := byField[record.SubjectID]
		if !ok {
			bySubject = make(map[string]string)
			byField[record.SubjectID] = bySubject
		}
		bySubject[record.VisitID] = *record.Value
	}
	return grouped
}

// rowsByInstance shapes merged records as one row per (subject, visit),
// rewriting field names through the templates when any are supplied. A
// field without a template keeps its fieldId as the output name. Rows come
// out sorted by subject then visit.
func rowsByInstance(records []models.DataRecord, templates []models.Standardization) []services.DataRow {
	rename := make(map[string]string, len(templates))
	for _, tpl := range templates {
		rename[tpl.Field] = tpl.Name
	}

	type instance struct {
		subject, visit string
	}
	byInstance := make(map[instance]map[string]string)
	var order []instance
	for _, record := range records {
		key := instance{record.SubjectID, record.VisitID}
		values, ok := byInstance[key]
		if !ok {
			values = make(map[string]string)
			byInstance[key] = values
			order = append(order, key)
		}
		name := record.FieldID
		if renamed, ok := rename[record.FieldID]; ok {
			name = renamed
		}
		values[name] = *record.Value
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].subject != order[j].subject {
			return order[i].subject < order[j].subject
		}
		return order[i].visit < order[j].visit
	})

	rows := make([]services.DataRow, 0, len(order))
	for _, key := range order {
		rows = append(rows, services.DataRow{
			SubjectID: key.subject,
			VisitID:   key.visit,
			Values:    byInstance[key],
		})
	}
	return rows
}
