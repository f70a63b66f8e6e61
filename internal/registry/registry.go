// Package registry holds the immutable catalogs of request fields and
// candidate teams.
//
// A Registry is built once at startup, either from the embedded catalog or
// from a YAML file, and is then shared read-only by every behavior.
package registry

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/BTreeMap/FrontDoor/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var (
	ErrUnknownTeam         = errors.New("unknown team")
	ErrUnknownField        = errors.New("unknown field")
	ErrInvalidDefinition   = errors.New("invalid registry definition")
	errDuplicateDefinition = errors.New("duplicate definition")
)

// Catalog is the on-disk shape of a registry file.
type Catalog struct {
	Fields []models.FieldDefinition `yaml:"fields"`
	Teams  []models.TeamDefinition  `yaml:"teams"`
}

// Registry is the read-only lookup over fields and teams.
type Registry struct {
	fields    []models.FieldDefinition
	fieldIdx  map[string]int
	teams     []models.TeamDefinition
	teamIdx   map[string]int
	fieldKeys []string
}

// New validates the definitions and builds a Registry. Input slices are
// copied, so later mutation by the caller has no effect.
func New(fields []models.FieldDefinition, teams []models.TeamDefinition) (*Registry, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: at least one field is required", ErrInvalidDefinition)
	}
	r := &Registry{
		fields:   cloneFields(fields),
		fieldIdx: make(map[string]int, len(fields)),
		teams:    cloneTeams(teams),
		teamIdx:  make(map[string]int, len(teams)),
	}

	validate := models.Validator()
	requiredCount := 0
	for i, f := range r.fields {
		if err := validate.Struct(f); err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrInvalidDefinition, f.Name, err)
		}
		if f.Required && strings.TrimSpace(f.Prompt) == "" {
			return nil, fmt.Errorf("%w: required field %q has no prompt", ErrInvalidDefinition, f.Name)
		}
		if f.Type.IsEnum() && len(f.EnumValues) == 0 {
			return nil, fmt.Errorf("%w: enum field %q has no allowed values", ErrInvalidDefinition, f.Name)
		}
		if _, dup := r.fieldIdx[f.Name]; dup {
			return nil, fmt.Errorf("%w: %w: field %q", ErrInvalidDefinition, errDuplicateDefinition, f.Name)
		}
		if f.Required {
			requiredCount++
		}
		r.fieldIdx[f.Name] = i
		r.fieldKeys = append(r.fieldKeys, f.Name)
	}
	if requiredCount == 0 {
		return nil, fmt.Errorf("%w: at least one field must be required", ErrInvalidDefinition)
	}

	for i, t := range r.teams {
		if err := validate.Struct(t); err != nil {
			return nil, fmt.Errorf("%w: team %q: %v", ErrInvalidDefinition, t.ID, err)
		}
		if _, dup := r.teamIdx[t.ID]; dup {
			return nil, fmt.Errorf("%w: %w: team %q", ErrInvalidDefinition, errDuplicateDefinition, t.ID)
		}
		r.teamIdx[t.ID] = i
	}

	slog.Debug("registry.New: built registry", "fields", len(r.fields), "required", requiredCount, "teams", len(r.teams))
	return r, nil
}

// Parse builds a Registry from a YAML catalog document.
func Parse(data []byte) (*Registry, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode catalog: %v", ErrInvalidDefinition, err)
	}
	return New(c.Fields, c.Teams)
}

// LoadFile reads a YAML catalog from path.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("registry file %s: %w", path, err)
	}
	slog.Info("registry.LoadFile: loaded registry override", "path", path, "fields", len(r.fields), "teams", len(r.teams))
	return r, nil
}

// Default returns the built-in catalog. It panics if the embedded catalog is
// invalid, which can only happen through a bad edit of catalog.yaml.
func Default() *Registry {
	r, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded registry catalog is invalid: %v", err))
	}
	return r
}

// Fields returns every field in catalog order.
func (r *Registry) Fields() []models.FieldDefinition {
	return cloneFields(r.fields)
}

// FieldNames returns every field name in catalog order.
func (r *Registry) FieldNames() []string {
	return slices.Clone(r.fieldKeys)
}

// RequiredFields returns the required fields in catalog order.
func (r *Registry) RequiredFields() []models.FieldDefinition {
	return r.filter(true)
}

// OptionalFields returns the optional fields in catalog order.
func (r *Registry) OptionalFields() []models.FieldDefinition {
	return r.filter(false)
}

func (r *Registry) filter(required bool) []models.FieldDefinition {
	var out []models.FieldDefinition
	for _, f := range r.fields {
		if f.Required == required {
			out = append(out, cloneField(f))
		}
	}
	return out
}

// FieldByName looks up a field definition.
func (r *Registry) FieldByName(name string) (models.FieldDefinition, bool) {
	i, ok := r.fieldIdx[name]
	if !ok {
		return models.FieldDefinition{}, false
	}
	return cloneField(r.fields[i]), true
}

// HasField reports whether name is a known field.
func (r *Registry) HasField(name string) bool {
	_, ok := r.fieldIdx[name]
	return ok
}

// Teams returns every team in catalog order.
func (r *Registry) Teams() []models.TeamDefinition {
	return cloneTeams(r.teams)
}

// TeamIDs returns every team id in catalog order.
func (r *Registry) TeamIDs() []string {
	ids := make([]string, len(r.teams))
	for i, t := range r.teams {
		ids[i] = t.ID
	}
	return ids
}

// TeamByID resolves a team id or fails with ErrUnknownTeam.
func (r *Registry) TeamByID(id string) (models.TeamDefinition, error) {
	i, ok := r.teamIdx[id]
	if !ok {
		return models.TeamDefinition{}, fmt.Errorf("%w: %q", ErrUnknownTeam, id)
	}
	return cloneTeam(r.teams[i]), nil
}

// placeholders are values a model emits when it has nothing to say.
var placeholders = []string{"null", ":null", "\u0000"}

// IsValidValue is the shared satisfaction rule for every field: a value must
// be non-empty, not whitespace only, and not a placeholder sentinel.
func IsValidValue(value string) bool {
	if strings.TrimSpace(value) == "" {
		return false
	}
	return !slices.Contains(placeholders, value)
}

func cloneField(f models.FieldDefinition) models.FieldDefinition {
	f.EnumValues = slices.Clone(f.EnumValues)
	f.Examples = slices.Clone(f.Examples)
	return f
}

func cloneFields(in []models.FieldDefinition) []models.FieldDefinition {
	out := make([]models.FieldDefinition, len(in))
	for i, f := range in {
		out[i] = cloneField(f)
	}
	return out
}

func cloneTeam(t models.TeamDefinition) models.TeamDefinition {
	t.Keywords = slices.Clone(t.Keywords)
	return t
}

func cloneTeams(in []models.TeamDefinition) []models.TeamDefinition {
	out := make([]models.TeamDefinition, len(in))
	for i, t := range in {
		out[i] = cloneTeam(t)
	}
	return out
}
