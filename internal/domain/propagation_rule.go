package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TargetAction is the closed set of consequences a propagation rule can
// dispatch against dependent entities.
type TargetAction string

const (
	ActionValidate TargetAction = "VALIDATE"
	ActionUpdate   TargetAction = "UPDATE"
	ActionCreate   TargetAction = "CREATE"
	ActionNotify   TargetAction = "NOTIFY"
)

// PropagationRule declares how a source-entity change affects a target
// entity type. Rules are data, evaluated at runtime in priority order.
type PropagationRule struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`

	SourceEntityType string     `json:"source_entity_type"`
	SourceChangeType ChangeType `json:"source_change_type"`

	// FieldPatterns gates the rule on changed fields; empty means
	// unconditional. A trailing '*' matches by prefix.
	FieldPatterns []string `json:"field_patterns"`

	TargetEntityType string       `json:"target_entity_type"`
	TargetAction     TargetAction `json:"target_action"`

	// FieldMappings maps source field names to target field names for
	// UPDATE and CREATE actions.
	FieldMappings map[string]string `json:"field_mappings,omitempty"`

	Priority         int  `json:"priority"`
	RequiresApproval bool `json:"requires_approval"`
	Active           bool `json:"active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Matches reports whether the rule applies to the event. A rule never
// matches an event it produced itself.
func (r PropagationRule) Matches(event ChangeEvent) bool {
	if !r.Active {
		return false
	}
	if r.SourceEntityType != event.EntityType {
		return false
	}
	if r.SourceChangeType != event.ChangeType {
		return false
	}
	if event.OriginRuleID != nil && *event.OriginRuleID == r.ID {
		return false
	}
	if len(r.FieldPatterns) == 0 {
		return true
	}
	for _, pattern := range r.FieldPatterns {
		for _, field := range event.ChangedFields {
			if matchFieldPattern(pattern, field) {
				return true
			}
		}
	}
	return false
}

func matchFieldPattern(pattern, field string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(field, prefix)
	}
	return pattern == field
}

// Validate rejects malformed rules before they are persisted or evaluated.
func (r PropagationRule) Validate() error {
	if r.SourceEntityType == "" || r.TargetEntityType == "" {
		return fmt.Errorf("%w: source and target entity types are required", ErrInvalidRule)
	}
	switch r.SourceChangeType {
	case ChangeCreate, ChangeUpdate, ChangeDelete, ChangeRestore:
	default:
		return fmt.Errorf("%w: unknown source change type %q", ErrInvalidRule, r.SourceChangeType)
	}
	switch r.TargetAction {
	case ActionValidate, ActionNotify:
	case ActionUpdate, ActionCreate:
		if len(r.FieldMappings) == 0 {
			return fmt.Errorf("%w: %s action requires field mappings", ErrInvalidFieldMapping, r.TargetAction)
		}
		for src, dst := range r.FieldMappings {
			if strings.TrimSpace(src) == "" || strings.TrimSpace(dst) == "" {
				return fmt.Errorf("%w: empty field name in mapping", ErrInvalidFieldMapping)
			}
		}
	default:
		return fmt.Errorf("%w: unknown target action %q", ErrInvalidRule, r.TargetAction)
	}
	return nil
}
