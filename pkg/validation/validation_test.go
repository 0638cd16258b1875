package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const testSSHKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIJDTn1AbPSHQjUp3rkkRfMp+hI8WK/ZOB8xzrHsz76lr"

func TestSchemaValidateAccumulatesAllErrors(t *testing.T) {
	schema := Schema{
		{Name: "guid", Required: true, Check: GUID},
		{Name: "cn_uuid", Required: true, Check: UUID},
		{Name: "optional", Required: false, Check: IsPresent},
	}

	errs := schema.Validate(map[string]any{"guid": "not-a-guid", "cn_uuid": "not-a-uuid"})
	assert.Len(t, errs, 2)
}

func TestSchemaValidateMissingRequiredField(t *testing.T) {
	schema := Schema{{Name: "pin", Required: true, Check: IsPresent}}
	errs := schema.Validate(map[string]any{})
	assert.Len(t, errs, 1)
	assert.Equal(t, "MissingParameter", errs[0].Code)
}

func TestSchemaValidateOptionalFieldAbsentIsFine(t *testing.T) {
	schema := Schema{{Name: "recovery_configuration", Required: false, Check: UUID}}
	errs := schema.Validate(map[string]any{})
	assert.Empty(t, errs)
}

func TestGUID(t *testing.T) {
	assert.Nil(t, GUID("guid", "97496DD1C8F053DE7450CD854D9C95B4"))
	assert.NotNil(t, GUID("guid", "too-short"))
	assert.NotNil(t, GUID("guid", 12345))
}

func TestUUID(t *testing.T) {
	assert.Nil(t, UUID("uuid", "15966912-8fad-41cd-bd82-abe6468354b5"))
	assert.NotNil(t, UUID("uuid", "not-a-uuid"))
}

func TestISO8601(t *testing.T) {
	assert.Nil(t, ISO8601("created", "2026-08-02T10:00:00Z"))
	assert.Nil(t, ISO8601("created", "2026-08-02T10:00:00.123456789Z"))
	assert.NotNil(t, ISO8601("created", "not-a-date"))
}

func TestIsPresent(t *testing.T) {
	assert.Nil(t, IsPresent("template", "some-template-bytes"))
	assert.NotNil(t, IsPresent("template", ""))
	assert.NotNil(t, IsPresent("template", "   "))
}

// TestPubKeysRequiresOnly9E matches spec.md's "object with at least
// 9e" rule: 9a/9d may be absent.
func TestPubKeysRequiresOnly9E(t *testing.T) {
	assert.Nil(t, PubKeys("pubkeys", map[string]any{"9e": testSSHKey}))
}

func TestPubKeysRejectsMissing9E(t *testing.T) {
	assert.NotNil(t, PubKeys("pubkeys", map[string]any{"9a": testSSHKey}))
}

func TestPubKeysRejectsMalformedKeyLine(t *testing.T) {
	assert.NotNil(t, PubKeys("pubkeys", map[string]any{"9e": "not an ssh key"}))
}

func TestFieldsArray(t *testing.T) {
	check := FieldsArray("guid", "cn_uuid", "created")
	assert.Nil(t, check("fields", []any{"guid", "created"}))
	assert.NotNil(t, check("fields", []any{"not_a_field"}))
	assert.NotNil(t, check("fields", "not-an-array"))
}

func TestBoundedInt(t *testing.T) {
	check := BoundedInt(0, 100)
	assert.Nil(t, check("limit", 50))
	assert.Nil(t, check("limit", "50"))
	assert.NotNil(t, check("limit", 101))
	assert.NotNil(t, check("limit", -1))
	assert.NotNil(t, check("limit", "not-a-number"))
}
