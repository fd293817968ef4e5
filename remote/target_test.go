package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validTarget(name string) Target {
	return Target{
		Name:        name,
		Priority:    1,
		ReadRequest: true,
		S3: Credential{
			Endpoint: "http://localhost:9001",
			Bucket:   "bucket-" + name,
		},
	}
}

func TestValidateTargets_RequiresAtLeastOneReadable(t *testing.T) {
	targets := []Target{validTarget("a"), validTarget("b")}
	targets[0].ReadRequest = false
	targets[1].ReadRequest = false

	err := ValidateTargets(targets)
	assert.ErrorContains(t, err, "read_request")
}

func TestValidateTargets_RejectsDuplicateNames(t *testing.T) {
	targets := []Target{validTarget("dup"), validTarget("dup")}
	err := ValidateTargets(targets)
	assert.ErrorContains(t, err, "duplicate")
}

func TestValidateTargets_RejectsEmpty(t *testing.T) {
	err := ValidateTargets(nil)
	assert.Error(t, err)
}

func TestValidateTargets_AcceptsWellFormedConfig(t *testing.T) {
	targets := []Target{validTarget("one"), validTarget("two")}
	assert.NoError(t, ValidateTargets(targets))
}

func TestApplyDefaults(t *testing.T) {
	tgt := Target{Name: "x"}
	tgt.ApplyDefaults(false, false)
	assert.Equal(t, uint32(1), tgt.Priority)
	assert.True(t, tgt.ReadRequest)

	tgt2 := Target{Name: "y", Priority: 9, ReadRequest: false}
	tgt2.ApplyDefaults(true, true)
	assert.Equal(t, uint32(9), tgt2.Priority)
	assert.False(t, tgt2.ReadRequest)
}
