package models

// FieldType is the value shape of a request field.
type FieldType string

const (
	FieldTypeFreeText    FieldType = "free_text"
	FieldTypeSingleEnum  FieldType = "single_enum"
	FieldTypeMultiSelect FieldType = "multi_select"
)

// IsEnum reports whether values of t are drawn from an allowed set.
func (t FieldType) IsEnum() bool {
	return t == FieldTypeSingleEnum || t == FieldTypeMultiSelect
}

// FieldDefinition describes one request field.
type FieldDefinition struct {
	Name           string    `json:"name" yaml:"name" validate:"required"`
	Label          string    `json:"label" yaml:"label" validate:"required"`
	Type           FieldType `json:"type" yaml:"type" validate:"required,oneof=free_text single_enum multi_select"`
	Required       bool      `json:"required" yaml:"required"`
	Description    string    `json:"description,omitempty" yaml:"description,omitempty"`
	Prompt         string    `json:"prompt" yaml:"prompt" validate:"required_if=Required true"`
	EnumValues     []string  `json:"enum_values,omitempty" yaml:"enum_values,omitempty" validate:"omitempty,dive,required"`
	Examples       []string  `json:"examples,omitempty" yaml:"examples,omitempty"`
	ExtractionRule string    `json:"extraction_rule,omitempty" yaml:"extraction_rule,omitempty"`
}

// TeamDefinition describes one candidate handling team.
type TeamDefinition struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Description string   `json:"description" yaml:"description"`
	Keywords    []string `json:"keywords" yaml:"keywords"`
	Endpoint    string   `json:"endpoint" yaml:"endpoint" validate:"required,url"`
	ListTitle   string   `json:"list_title,omitempty" yaml:"list_title,omitempty"`
}

// SubmissionResult is the outcome reported by the ticketing collaborator.
type SubmissionResult struct {
	Success     bool   `json:"success"`
	TrackingURL string `json:"tracking_url,omitempty"`
	ItemID      string `json:"item_id,omitempty"`
	ErrorText   string `json:"error_text,omitempty"`
}

// SubmissionRecord is the audit row kept for every submission attempt.
type SubmissionRecord struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	TeamID         string          `json:"team_id"`
	Success        bool            `json:"success"`
	TrackingURL    string          `json:"tracking_url,omitempty"`
	ErrorText      string          `json:"error_text,omitempty"`
	Fields         CollectedFields `json:"fields"`
	CreatedAt      int64           `json:"created_at"`
}
