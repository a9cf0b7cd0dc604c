package seed

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"cohort/internal/domain/models"
	"cohort/internal/domain/permission"
	"cohort/internal/domain/services"
)

//go:embed fixtures/demo.yaml
var demoFixtures []byte

// DemoSeeder populates demo studies, dictionaries, records, roles and
// projects from the embedded fixture file. Everything goes through the
// service layer so the seeded data obeys the same rules as API writes.
type DemoSeeder struct {
	studies services.StudyService
	roles   services.RoleService
	fields  services.FieldService
	data    services.DataService
	logger  *slog.Logger
}

// NewDemoSeeder creates a new demo seeder.
func NewDemoSeeder(studies services.StudyService, roles services.RoleService, fields services.FieldService, data services.DataService, logger *slog.Logger) *DemoSeeder {
	return &DemoSeeder{
		studies: studies,
		roles:   roles,
		fields:  fields,
		data:    data,
		logger:  logger,
	}
}

type fixtureFile struct {
	Studies []studyFixture `yaml:"studies"`
}

type studyFixture struct {
	Name        string           `yaml:"name"`
	Type        string           `yaml:"type"`
	Description string           `yaml:"description"`
	Fields      []fieldFixture   `yaml:"fields"`
	Records     []recordFixture  `yaml:"records"`
	Freeze      string           `yaml:"freeze"`
	Roles       []roleFixture    `yaml:"roles"`
	Projects    []projectFixture `yaml:"projects"`
}

type fieldFixture struct {
	FieldID        string                 `yaml:"fieldId"`
	FieldName      string                 `yaml:"fieldName"`
	TableName      string                 `yaml:"tableName"`
	DataType       string                 `yaml:"dataType"`
	Unit           string                 `yaml:"unit"`
	Comments       string                 `yaml:"comments"`
	PossibleValues []possibleValueFixture `yaml:"possibleValues"`
	Metadata       map[string]any         `yaml:"metadata"`
}

type possibleValueFixture struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
}

type recordFixture struct {
	SubjectID string `yaml:"subjectId"`
	VisitID   string `yaml:"visitId"`
	FieldID   string `yaml:"fieldId"`
	Value     string `yaml:"value"`
}

type roleFixture struct {
	Name        string              `yaml:"name"`
	Users       []string            `yaml:"users"`
	Permissions []permissionFixture `yaml:"permissions"`
}

type permissionFixture struct {
	Scope      string         `yaml:"scope"`
	Operations []string       `yaml:"operations"`
	SubjectIDs []string       `yaml:"subjectIds"`
	VisitIDs   []string       `yaml:"visitIds"`
	FieldIDs   []string       `yaml:"fieldIds"`
	Coverage   string         `yaml:"coverage"`
	Metadata   map[string]any `yaml:"metadata"`
}

type projectFixture struct {
	Name string `yaml:"name"`
}

// Seed creates every fixture study as the given admin user. Tables are
// expected to be empty; duplicate study names fail and are skipped.
func (s *DemoSeeder) Seed(ctx context.Context, adminUserID string) error {
	var fixtures fixtureFile
	if err := yaml.Unmarshal(demoFixtures, &fixtures); err != nil {
		return fmt.Errorf("parse demo fixtures: %w", err)
	}

	admin := &models.User{ID: adminUserID, Type: models.UserTypeAdmin}

	for _, sf := range fixtures.Studies {
		if err := s.seedStudy(ctx, admin, sf); err != nil {
			s.logger.Error("seed study failed", "study", sf.Name, "error", err)
			continue
		}
		s.logger.Info("seeded study", "study", sf.Name,
			"fields", len(sf.Fields), "records", len(sf.Records),
			"roles", len(sf.Roles), "projects", len(sf.Projects))
	}

	return nil
}

func (s *DemoSeeder) seedStudy(ctx context.Context, admin *models.User, sf studyFixture) error {
	study, err := s.studies.CreateStudy(ctx, admin, &services.CreateStudyRequest{
		Name:        sf.Name,
		Description: sf.Description,
		Type:        models.StudyType(sf.Type),
	})
	if err != nil {
		return fmt.Errorf("create study: %w", err)
	}

	if len(sf.Fields) > 0 {
		inputs := make([]services.FieldInput, 0, len(sf.Fields))
		for _, ff := range sf.Fields {
			inputs = append(inputs, fieldInput(ff))
		}
		results, err := s.fields.CreateFields(ctx, admin, study.ID, inputs)
		if err != nil {
			return fmt.Errorf("create fields: %w", err)
		}
		for _, res := range results {
			if !res.Successful {
				s.logger.Warn("fixture field rejected", "study", sf.Name,
					"fieldId", res.FieldID, "errors", res.Errors)
			}
		}
	}

	if len(sf.Records) > 0 {
		clips := make([]models.DataClip, 0, len(sf.Records))
		for _, rf := range sf.Records {
			value := rf.Value
			clips = append(clips, models.DataClip{
				SubjectID: rf.SubjectID,
				VisitID:   rf.VisitID,
				FieldID:   rf.FieldID,
				Value:     &value,
			})
		}
		results, err := s.data.UploadData(ctx, admin, study.ID, clips)
		if err != nil {
			return fmt.Errorf("upload records: %w", err)
		}
		for _, res := range results {
			if !res.Successful {
				s.logger.Warn("fixture record rejected", "study", sf.Name,
					"subject", res.SubjectID, "field", res.FieldID, "description", res.Description)
			}
		}
	}

	if sf.Freeze != "" {
		version, err := s.studies.CreateDataVersion(ctx, admin, &services.CreateDataVersionRequest{
			StudyID: study.ID,
			Version: sf.Freeze,
		})
		if err != nil {
			return fmt.Errorf("freeze version %s: %w", sf.Freeze, err)
		}
		if version == nil {
			s.logger.Warn("nothing to freeze", "study", sf.Name, "version", sf.Freeze)
		}
	}

	for _, rf := range sf.Roles {
		entries, err := serializeEntries(rf.Permissions)
		if err != nil {
			return fmt.Errorf("role %s: %w", rf.Name, err)
		}
		_, err = s.roles.CreateRole(ctx, admin, &services.CreateRoleRequest{
			StudyID:     study.ID,
			Name:        rf.Name,
			Permissions: entries,
			Users:       rf.Users,
		})
		if err != nil {
			return fmt.Errorf("create role %s: %w", rf.Name, err)
		}
	}

	for _, pf := range sf.Projects {
		_, err := s.studies.CreateProject(ctx, admin, &services.CreateProjectRequest{
			StudyID: study.ID,
			Name:    pf.Name,
		})
		if err != nil {
			return fmt.Errorf("create project %s: %w", pf.Name, err)
		}
	}

	return nil
}

func fieldInput(ff fieldFixture) services.FieldInput {
	values := make([]models.PossibleValue, 0, len(ff.PossibleValues))
	for _, pv := range ff.PossibleValues {
		values = append(values, models.PossibleValue{
			ID:          uuid.New().String(),
			Code:        pv.Code,
			Description: pv.Description,
		})
	}
	return services.FieldInput{
		FieldID:        ff.FieldID,
		FieldName:      ff.FieldName,
		TableName:      ff.TableName,
		DataType:       models.DataType(ff.DataType),
		PossibleValues: values,
		Unit:           ff.Unit,
		Comments:       ff.Comments,
		Metadata:       ff.Metadata,
	}
}

func serializeEntries(fixtures []permissionFixture) ([]string, error) {
	entries := make([]string, 0, len(fixtures))
	for _, pf := range fixtures {
		ops := make([]permission.Operation, 0, len(pf.Operations))
		for _, op := range pf.Operations {
			ops = append(ops, permission.Operation(op))
		}
		p := permission.Permission{
			Scope:           permission.Scope(pf.Scope),
			Operations:      ops,
			SubjectPatterns: pf.SubjectIDs,
			VisitPatterns:   pf.VisitIDs,
			FieldPatterns:   pf.FieldIDs,
			Coverage:        permission.Coverage(pf.Coverage),
			Metadata:        pf.Metadata,
		}
		raw, err := p.Serialize()
		if err != nil {
			return nil, err
		}
		entries = append(entries, raw)
	}
	return entries, nil
}
