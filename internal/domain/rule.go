package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/asaskevich/govalidator"
)

// MaxRuleSteps bounds the length of a rule's step sequence
const MaxRuleSteps = 50

// TriggerKind identifies which tag change a rule reacts to
type TriggerKind string

const (
	TriggerTagAdded   TriggerKind = "tag_added"
	TriggerTagRemoved TriggerKind = "tag_removed"
)

// IsValid checks if the trigger kind is valid
func (k TriggerKind) IsValid() bool {
	return k == TriggerTagAdded || k == TriggerTagRemoved
}

// MutationKind maps the trigger kind onto the event kind it matches
func (k TriggerKind) MutationKind() TagMutationKind {
	if k == TriggerTagAdded {
		return TagMutationAdded
	}
	return TagMutationRemoved
}

// RuleTrigger defines the tag change that starts a rule
type RuleTrigger struct {
	Kind TriggerKind `json:"kind"`
	Tag  string      `json:"tag"`
}

// Validate validates the rule trigger
func (t *RuleTrigger) Validate() error {
	if !t.Kind.IsValid() {
		return NewValidationError("invalid trigger kind: %s", t.Kind)
	}
	if NormalizeTag(t.Tag) == "" {
		return NewValidationError("trigger tag is required")
	}
	return nil
}

// Matches reports whether the trigger fires for the given mutation
func (t *RuleTrigger) Matches(kind TagMutationKind, tag string) bool {
	return t.Kind.MutationKind() == kind && NormalizeTag(t.Tag) == NormalizeTag(tag)
}

// StepKind identifies a step in the closed step set
type StepKind string

const (
	StepKindWait      StepKind = "wait"
	StepKindAddTag    StepKind = "add_tag"
	StepKindRemoveTag StepKind = "remove_tag"
	StepKindCheckTags StepKind = "check_tags"
	StepKindSendEmail StepKind = "send_email"
	StepKindStop      StepKind = "stop"
)

// IsValid checks if the step kind is valid
func (k StepKind) IsValid() bool {
	switch k {
	case StepKindWait, StepKindAddTag, StepKindRemoveTag,
		StepKindCheckTags, StepKindSendEmail, StepKindStop:
		return true
	default:
		return false
	}
}

// Step is a tagged union over the closed step set. Exactly the config field
// matching Kind must be populated; Validate enforces this so malformed steps
// reject rule activation rather than individual executions.
type Step struct {
	Kind      StepKind         `json:"kind"`
	Wait      *WaitConfig      `json:"wait,omitempty"`
	Tag       *TagStepConfig   `json:"tag,omitempty"`
	CheckTags *CheckTagsConfig `json:"check_tags,omitempty"`
	SendEmail *SendEmailConfig `json:"send_email,omitempty"`
}

// Validate validates the step against its declared kind
func (s *Step) Validate() error {
	switch s.Kind {
	case StepKindWait:
		if s.Wait == nil {
			return NewValidationError("wait step requires wait config")
		}
		return s.Wait.Validate()
	case StepKindAddTag, StepKindRemoveTag:
		if s.Tag == nil {
			return NewValidationError("%s step requires tag config", s.Kind)
		}
		return s.Tag.Validate()
	case StepKindCheckTags:
		if s.CheckTags == nil {
			return NewValidationError("check_tags step requires check_tags config")
		}
		return s.CheckTags.Validate()
	case StepKindSendEmail:
		if s.SendEmail == nil {
			return NewValidationError("send_email step requires send_email config")
		}
		return s.SendEmail.Validate()
	case StepKindStop:
		return nil
	default:
		return NewValidationError("invalid step kind: %s", s.Kind)
	}
}

// WaitConfig suspends an execution for a fixed duration, optionally aligned
// forward to a wall-clock time of day ("15:04" format).
type WaitConfig struct {
	DelayDays    int     `json:"delay_days,omitempty"`
	DelayHours   int     `json:"delay_hours,omitempty"`
	DelayMinutes int     `json:"delay_minutes,omitempty"`
	DelayTime    *string `json:"delay_time,omitempty"`
}

// Validate validates the wait config
func (c *WaitConfig) Validate() error {
	if c.DelayDays < 0 || c.DelayHours < 0 || c.DelayMinutes < 0 {
		return NewValidationError("wait delays cannot be negative")
	}
	if c.DelayDays == 0 && c.DelayHours == 0 && c.DelayMinutes == 0 {
		return NewValidationError("wait step requires at least one delay component")
	}
	if c.DelayTime != nil {
		if _, err := time.Parse("15:04", *c.DelayTime); err != nil {
			return NewValidationError("invalid delay_time %q: expected HH:MM", *c.DelayTime)
		}
	}
	return nil
}

// Duration returns the fixed delay portion of the wait
func (c *WaitConfig) Duration() time.Duration {
	return time.Duration(c.DelayDays)*24*time.Hour +
		time.Duration(c.DelayHours)*time.Hour +
		time.Duration(c.DelayMinutes)*time.Minute
}

// NextWake computes the wake instant for an execution suspending at now:
// now plus the fixed delay, then rounded forward to the next occurrence of
// DelayTime when one is set.
func (c *WaitConfig) NextWake(now time.Time) time.Time {
	wake := now.Add(c.Duration())

	if c.DelayTime == nil {
		return wake
	}

	tod, err := time.Parse("15:04", *c.DelayTime)
	if err != nil {
		// Validate rejects this at rule load time
		return wake
	}

	aligned := time.Date(wake.Year(), wake.Month(), wake.Day(),
		tod.Hour(), tod.Minute(), 0, 0, wake.Location())
	if aligned.Before(wake) {
		aligned = aligned.Add(24 * time.Hour)
	}
	return aligned
}

// TagStepConfig configures add_tag and remove_tag steps
type TagStepConfig struct {
	Tag string `json:"tag"`
}

// Validate validates the tag step config
func (c *TagStepConfig) Validate() error {
	if NormalizeTag(c.Tag) == "" {
		return NewValidationError("tag is required")
	}
	return nil
}

// CheckTagsMode selects the direction of a check_tags gate
type CheckTagsMode string

const (
	CheckTagsExists    CheckTagsMode = "exists"
	CheckTagsNotExists CheckTagsMode = "not_exists"
)

// IsValid checks if the check mode is valid
func (m CheckTagsMode) IsValid() bool {
	return m == CheckTagsExists || m == CheckTagsNotExists
}

// CheckTagsConfig gates an execution on the contact's current tag set.
// A failed gate stops the execution without error.
type CheckTagsConfig struct {
	Tags []string      `json:"tags"`
	Mode CheckTagsMode `json:"mode"`
}

// Validate validates the check_tags config
func (c *CheckTagsConfig) Validate() error {
	if len(c.Tags) == 0 {
		return NewValidationError("check_tags requires at least one tag")
	}
	if len(NormalizeTags(c.Tags)) == 0 {
		return NewValidationError("check_tags requires at least one non-empty tag")
	}
	if !c.Mode.IsValid() {
		return NewValidationError("invalid check_tags mode: %s", c.Mode)
	}
	return nil
}

// Evaluate reports whether the gate passes for the given contact
func (c *CheckTagsConfig) Evaluate(contact *Contact) bool {
	has := contact.HasAnyTag(c.Tags)
	if c.Mode == CheckTagsExists {
		return has
	}
	return !has
}

// SendEmailConfig configures a send_email step. Exactly one of TemplateID or
// inline Subject+HTML must be set, and exactly one of WebhookID or
// WebhookURL.
type SendEmailConfig struct {
	TemplateID *string `json:"template_id,omitempty"`
	Subject    *string `json:"subject,omitempty"`
	HTML       *string `json:"html,omitempty"`
	WebhookID  *string `json:"webhook_id,omitempty"`
	WebhookURL *string `json:"webhook_url,omitempty"`
}

// Validate validates the send_email config
func (c *SendEmailConfig) Validate() error {
	hasTemplate := c.TemplateID != nil && *c.TemplateID != ""
	hasInline := c.Subject != nil && *c.Subject != "" && c.HTML != nil && *c.HTML != ""

	if hasTemplate == hasInline {
		return NewValidationError("send_email requires exactly one of template_id or subject+html")
	}

	hasWebhookID := c.WebhookID != nil && *c.WebhookID != ""
	hasWebhookURL := c.WebhookURL != nil && *c.WebhookURL != ""

	if hasWebhookID == hasWebhookURL {
		return NewValidationError("send_email requires exactly one of webhook_id or webhook_url")
	}

	if hasWebhookURL && !govalidator.IsURL(*c.WebhookURL) {
		return NewValidationError("invalid webhook_url: %s", *c.WebhookURL)
	}

	return nil
}

// AutomationRule is a user-authored trigger plus ordered step sequence. The
// engine treats rules as read-only: authoring happens in the external
// console, and rules are re-fetched per execution turn to respect concurrent
// edits.
type AutomationRule struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Enabled         bool         `json:"enabled"`
	Trigger         RuleTrigger  `json:"trigger"`
	Steps           []Step       `json:"steps"`
	TriggerCount    int64        `json:"trigger_count"`
	SuccessCount    int64        `json:"success_count"`
	FailureCount    int64        `json:"failure_count"`
	LastTriggeredAt *time.Time   `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	DeletedAt       *time.Time   `json:"deleted_at,omitempty"`
}

// Validate validates the rule
func (r *AutomationRule) Validate() error {
	if r.ID == "" {
		return NewValidationError("id is required")
	}
	if len(r.ID) > 36 {
		return NewValidationError("id cannot exceed 36 characters")
	}
	if r.Name == "" {
		return NewValidationError("name is required")
	}
	if len(r.Name) > 255 {
		return NewValidationError("name cannot exceed 255 characters")
	}

	if err := r.Trigger.Validate(); err != nil {
		return err
	}

	if len(r.Steps) == 0 {
		return NewValidationError("rule requires at least one step")
	}
	if len(r.Steps) > MaxRuleSteps {
		return NewValidationError("rule cannot exceed %d steps", MaxRuleSteps)
	}
	for i := range r.Steps {
		if err := r.Steps[i].Validate(); err != nil {
			return fmt.Errorf("invalid step %d: %w", i, err)
		}
	}

	return nil
}

// RuleFilter defines filtering options for listing rules
type RuleFilter struct {
	Enabled        *bool
	TriggerTag     string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// RuleRepository is the engine's read-mostly registry of automation rules.
// Statistics counters are the only columns the engine writes.
type RuleRepository interface {
	Create(ctx context.Context, rule *AutomationRule) error
	GetByID(ctx context.Context, id string) (*AutomationRule, error)
	List(ctx context.Context, filter RuleFilter) ([]*AutomationRule, int, error)
	ListEnabledByTrigger(ctx context.Context, kind TagMutationKind, tag string) ([]*AutomationRule, error)
	Update(ctx context.Context, rule *AutomationRule) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error

	// IncrementTriggerCount bumps trigger_count and stamps last_triggered_at
	IncrementTriggerCount(ctx context.Context, id string, at time.Time) error
}
