package domain

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/tidwall/gjson"
)

// NormalizeTag canonicalizes a tag: trimmed, lowercase. All tag comparisons
// in the engine happen on normalized values.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// NormalizeTags canonicalizes and deduplicates a tag list, preserving set
// semantics with a stable sorted order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	result := make([]string, 0, len(tags))
	for _, t := range tags {
		n := NormalizeTag(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		result = append(result, n)
	}
	sort.Strings(result)
	return result
}

// Contact is a read-only snapshot of a contact owned by the external contact
// store. The engine never mutates it directly; it issues TagMutationCommands.
type Contact struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	FirstName string     `json:"first_name,omitempty"`
	LastName  string     `json:"last_name,omitempty"`
	Tags      []string   `json:"tags"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Name returns the contact's display name, falling back to the email address
func (c *Contact) Name() string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" {
		return c.Email
	}
	return name
}

// HasTag reports whether the contact carries the given tag
func (c *Contact) HasTag(tag string) bool {
	n := NormalizeTag(tag)
	for _, t := range c.Tags {
		if t == n {
			return true
		}
	}
	return false
}

// HasAnyTag reports whether the contact carries at least one of the tags
func (c *Contact) HasAnyTag(tags []string) bool {
	for _, tag := range tags {
		if c.HasTag(tag) {
			return true
		}
	}
	return false
}

// TemplateData returns the placeholder bindings exposed to email templates
func (c *Contact) TemplateData() map[string]interface{} {
	return map[string]interface{}{
		"contact_id": c.ID,
		"email":      c.Email,
		"name":       c.Name(),
		"first_name": c.FirstName,
		"last_name":  c.LastName,
	}
}

// TagMutationKind identifies the direction of a tag change
type TagMutationKind string

const (
	TagMutationAdded   TagMutationKind = "added"
	TagMutationRemoved TagMutationKind = "removed"
)

// IsValid checks if the tag mutation kind is valid
func (k TagMutationKind) IsValid() bool {
	return k == TagMutationAdded || k == TagMutationRemoved
}

// TagMutationEvent is consumed from the external contact store whenever a
// contact's tag set changes. OriginToken and HopCount carry loop-protection
// state across mutation chains; both are empty/zero for mutations made by
// humans or imports.
type TagMutationEvent struct {
	ContactID   string          `json:"contact_id"`
	Tag         string          `json:"tag"`
	Kind        TagMutationKind `json:"kind"`
	OriginToken string          `json:"origin_token,omitempty"`
	HopCount    int             `json:"hop_count,omitempty"`
}

// Validate validates the tag mutation event
func (e *TagMutationEvent) Validate() error {
	if e.ContactID == "" {
		return NewValidationError("contact_id is required")
	}
	if NormalizeTag(e.Tag) == "" {
		return NewValidationError("tag is required")
	}
	if !e.Kind.IsValid() {
		return NewValidationError("invalid mutation kind: %s", e.Kind)
	}
	if e.HopCount < 0 {
		return NewValidationError("hop_count cannot be negative")
	}
	return nil
}

// ParseTagMutationEvent decodes an event from its JSON wire form
func ParseTagMutationEvent(data []byte) (*TagMutationEvent, error) {
	if !gjson.ValidBytes(data) {
		return nil, NewValidationError("invalid JSON payload")
	}

	result := gjson.ParseBytes(data)
	event := &TagMutationEvent{
		ContactID:   result.Get("contact_id").String(),
		Tag:         result.Get("tag").String(),
		Kind:        TagMutationKind(result.Get("kind").String()),
		OriginToken: result.Get("origin_token").String(),
		HopCount:    int(result.Get("hop_count").Int()),
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// TagMutationAction identifies the command side of a tag change
type TagMutationAction string

const (
	TagActionAdd    TagMutationAction = "add"
	TagActionRemove TagMutationAction = "remove"
)

// EventKind returns the mutation kind a command produces when applied
func (a TagMutationAction) EventKind() TagMutationKind {
	if a == TagActionAdd {
		return TagMutationAdded
	}
	return TagMutationRemoved
}

// TagMutationCommand is issued against the external contact store by tag
// mutation steps. Commands from automation steps carry the origin token of
// the execution that produced them plus an incremented hop counter.
type TagMutationCommand struct {
	ContactID   string            `json:"contact_id"`
	Tag         string            `json:"tag"`
	Action      TagMutationAction `json:"action"`
	OriginToken string            `json:"origin_token"`
	HopCount    int               `json:"hop_count"`
}

// Validate validates the tag mutation command
func (c *TagMutationCommand) Validate() error {
	if c.ContactID == "" {
		return NewValidationError("contact_id is required")
	}
	if NormalizeTag(c.Tag) == "" {
		return NewValidationError("tag is required")
	}
	if c.Action != TagActionAdd && c.Action != TagActionRemove {
		return NewValidationError("invalid tag action: %s", c.Action)
	}
	return nil
}

// ValidateContactEmail reports whether the address is deliverable enough to
// be used as a webhook payload recipient
func ValidateContactEmail(email string) error {
	if !govalidator.IsEmail(email) {
		return NewValidationError("invalid email format: %s", email)
	}
	return nil
}

// ContactStore is the engine's view of the external contact system: snapshot
// reads plus tag mutation commands. Implementations must apply commands
// atomically and return the post-mutation snapshot.
type ContactStore interface {
	GetContactByID(ctx context.Context, contactID string) (*Contact, error)
	ApplyTagMutation(ctx context.Context, cmd TagMutationCommand) (*Contact, error)
}

// TagMutationDispatcher consumes tag mutation events and reacts to them
type TagMutationDispatcher interface {
	OnTagMutation(ctx context.Context, event *TagMutationEvent) error
}
