package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTag(t *testing.T) {
	assert.Equal(t, "purchased", NormalizeTag("  Purchased "))
	assert.Equal(t, "vip customer", NormalizeTag("VIP Customer"))
	assert.Equal(t, "", NormalizeTag("   "))
}

func TestNormalizeTags(t *testing.T) {
	tags := NormalizeTags([]string{"B", " a ", "b", "", "A"})
	assert.Equal(t, []string{"a", "b"}, tags)
}

func TestContact_HasTag(t *testing.T) {
	contact := &Contact{ID: "c1", Tags: []string{"purchased", "vip"}}

	assert.True(t, contact.HasTag("purchased"))
	assert.True(t, contact.HasTag(" PURCHASED "))
	assert.False(t, contact.HasTag("refunded"))
}

func TestContact_Name(t *testing.T) {
	c := &Contact{Email: "jane@example.com", FirstName: "Jane", LastName: "Doe"}
	assert.Equal(t, "Jane Doe", c.Name())

	c = &Contact{Email: "jane@example.com", FirstName: "Jane"}
	assert.Equal(t, "Jane", c.Name())

	c = &Contact{Email: "jane@example.com"}
	assert.Equal(t, "jane@example.com", c.Name())
}

func TestContact_TemplateData(t *testing.T) {
	c := &Contact{ID: "c1", Email: "jane@example.com", FirstName: "Jane", LastName: "Doe"}
	data := c.TemplateData()

	assert.Equal(t, "c1", data["contact_id"])
	assert.Equal(t, "jane@example.com", data["email"])
	assert.Equal(t, "Jane Doe", data["name"])
	assert.Equal(t, "Jane", data["first_name"])
	assert.Equal(t, "Doe", data["last_name"])
}

func TestParseTagMutationEvent(t *testing.T) {
	payload := []byte(`{"contact_id":"c1","tag":"Purchased","kind":"added","origin_token":"tok-1","hop_count":2}`)

	event, err := ParseTagMutationEvent(payload)
	require.NoError(t, err)

	assert.Equal(t, "c1", event.ContactID)
	assert.Equal(t, "Purchased", event.Tag)
	assert.Equal(t, TagMutationAdded, event.Kind)
	assert.Equal(t, "tok-1", event.OriginToken)
	assert.Equal(t, 2, event.HopCount)
}

func TestParseTagMutationEvent_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":        `{{{`,
		"missing contact": `{"tag":"x","kind":"added"}`,
		"missing tag":     `{"contact_id":"c1","kind":"added"}`,
		"bad kind":        `{"contact_id":"c1","tag":"x","kind":"changed"}`,
		"negative hops":   `{"contact_id":"c1","tag":"x","kind":"added","hop_count":-1}`,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTagMutationEvent([]byte(payload))
			assert.Error(t, err)
		})
	}
}

func TestTagMutationCommand_Validate(t *testing.T) {
	cmd := TagMutationCommand{ContactID: "c1", Tag: "vip", Action: TagActionAdd}
	assert.NoError(t, cmd.Validate())

	cmd.Action = "toggle"
	assert.Error(t, cmd.Validate())
}

func TestTagMutationAction_EventKind(t *testing.T) {
	assert.Equal(t, TagMutationAdded, TagActionAdd.EventKind())
	assert.Equal(t, TagMutationRemoved, TagActionRemove.EventKind())
}

func TestValidateContactEmail(t *testing.T) {
	assert.NoError(t, ValidateContactEmail("jane@example.com"))
	assert.Error(t, ValidateContactEmail("not-an-email"))
}
