package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"cohort/internal/domain"
	"cohort/internal/domain/models"
	"cohort/internal/domain/permission"
	"cohort/internal/domain/repositories"
	"cohort/internal/domain/services"
)

// versionPattern accepts dotted numeric versions: up to three digits, then
// up to two optional groups of up to two digits ("3", "2.1", "1.20.3").
var versionPattern = regexp.MustCompile(`^\d{1,3}(\.\d{1,2}){0,2}$`)

// errNothingToFreeze aborts the freeze transaction when no live rows
// exist. Internal to CreateDataVersion.
var errNothingToFreeze = errors.New("nothing to freeze")

// CreateDataVersion freezes the current live data and dictionary into a
// new version and advances the study's pointer. The stamp of the live
// rows, the ledger append and the pointer move commit together or not at
// all. Returns nil when there was nothing to freeze.
func (s *studyService) CreateDataVersion(ctx context.Context, user *models.User, req *services.CreateDataVersionRequest) (*models.DataVersion, error) {
	if !versionPattern.MatchString(req.Version) {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("invalid version string %q", req.Version)}
	}

	allowed, err := s.permissions.HasManagementPermission(ctx, user, req.StudyID, nil, permission.ScopeStudyManage, permission.OpWrite)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &domain.ForbiddenError{Message: "study administration requires a management grant"}
	}

	study, err := s.studyRepo.GetByID(ctx, req.StudyID)
	if err != nil {
		return nil, err
	}
	for _, v := range study.DataVersions {
		if v.Version == req.Version {
			return nil, &domain.ValidationError{Message: fmt.Sprintf("version %q already exists", req.Version)}
		}
	}

	version := models.DataVersion{
		ID:         uuid.New().String(),
		ContentID:  uuid.New().String(),
		Version:    req.Version,
		Tag:        req.Tag,
		UpdateDate: time.Now(),
	}

	err = s.txManager.ExecTx(ctx, func(txCtx context.Context) error {
		frozenFields, err := s.fieldRepo.AttachVersion(txCtx, req.StudyID, version.ID)
		if err != nil {
			return err
		}
		frozenRecords, err := s.recordRepo.AttachVersion(txCtx, req.StudyID, version.ID)
		if err != nil {
			return err
		}
		if frozenFields == 0 && frozenRecords == 0 {
			return errNothingToFreeze
		}

		_, err = s.studyRepo.AppendDataVersion(txCtx, req.StudyID, version)
		return err
	})
	if err != nil {
		if errors.Is(err, errNothingToFreeze) {
			return nil, nil
		}
		return nil, fmt.Errorf("create data version: %w", err)
	}

	s.logger.Info("data version created",
		"study_id", req.StudyID,
		"version_id", version.ID,
		"version", version.Version,
		"created_by", user.ID,
	)

	return &version, nil
}

// SetDataVersion moves the study's current-version pointer and remaps
// every project's approved fields onto the newly visible dictionary.
// Rewinding is allowed; later ledger entries stay in place and become
// visible again when the pointer advances. Admin only.
func (s *studyService) SetDataVersion(ctx context.Context, user *models.User, studyID, versionID string) (*models.Study, error) {
	if !user.IsAdmin() {
		return nil, &domain.ForbiddenError{Message: "only administrators may move the current data version"}
	}

	study, err := s.studyRepo.GetByID(ctx, studyID)
	if err != nil {
		return nil, err
	}

	// Visibility is decided by version id, never by content id.
	index := study.VersionIndex(versionID)
	if index < 0 {
		return nil, &domain.NotFoundError{Message: fmt.Sprintf("data version %s does not exist in study %s", versionID, studyID)}
	}

	visible := make([]*string, 0, index+1)
	for i := 0; i <= index; i++ {
		id := study.DataVersions[i].ID
		visible = append(visible, &id)
	}

	var updated *models.Study
	err = s.txManager.ExecTx(ctx, func(txCtx context.Context) error {
		updated, err = s.studyRepo.SetCurrentDataVersion(txCtx, studyID, index)
		if err != nil {
			return err
		}
		return s.remapApprovedFields(txCtx, studyID, visible)
	})
	if err != nil {
		return nil, fmt.Errorf("set data version: %w", err)
	}

	s.logger.Info("data version pointer moved",
		"study_id", studyID,
		"version_id", versionID,
		"index", index,
		"moved_by", user.ID,
	)

	return updated, nil
}

// remapApprovedFields rewrites each project's approved field entry ids
// against the newly visible dictionary: an approved entry follows its
// semantic fieldId onto the latest visible definition, and fieldIds with
// no visible definition are dropped.
func (s *studyService) remapApprovedFields(ctx context.Context, studyID string, visible []*string) error {
	current, err := s.fieldRepo.Query(ctx, repositories.FieldQuery{
		StudyID:          studyID,
		DataVersions:     visible,
		LatestPerFieldID: true,
	})
	if err != nil {
		return err
	}
	latestByFieldID := make(map[string]string, len(current))
	for _, entry := range current {
		latestByFieldID[entry.FieldID] = entry.ID
	}

	projects, err := s.projectRepo.ListByStudy(ctx, studyID)
	if err != nil {
		return err
	}

	for _, project := range projects {
		entries, err := s.fieldRepo.GetByIDs(ctx, project.ApprovedFields)
		if err != nil {
			return err
		}

		remapped := []string{}
		seen := make(map[string]bool)
		for _, entry := range entries {
			newID, ok := latestByFieldID[entry.FieldID]
			if !ok || seen[newID] {
				continue
			}
			seen[newID] = true
			remapped = append(remapped, newID)
		}

		if err := s.projectRepo.SetApprovedFields(ctx, project.ID, remapped); err != nil {
			return err
		}
	}

	return nil
}
