package recoveryconfig

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/kbmapi/pkg/models"
)

func TestMachineValidateAllowedTransitions(t *testing.T) {
	m := NewMachine()

	cases := []struct {
		from   models.ConfigState
		action Action
	}{
		{models.ConfigStateCreated, ActionStage},
		{models.ConfigStateStaged, ActionUnstage},
		{models.ConfigStateStaged, ActionActivate},
		{models.ConfigStateActive, ActionDeactivate},
		{models.ConfigStateActive, ActionExpire},
		{models.ConfigStateExpired, ActionReactivate},
		{models.ConfigStateCreated, ActionDestroy},
		{models.ConfigStateExpired, ActionDestroy},
	}

	for _, c := range cases {
		rule, err := m.Validate(c.from, c.action)
		require.NoError(t, err, "expected %s from %s to be allowed", c.action, c.from)
		assert.Equal(t, c.from, rule.From)
		assert.Equal(t, c.action, rule.Action)
	}
}

func TestMachineValidateRejectsDisallowedTransitions(t *testing.T) {
	m := NewMachine()

	cases := []struct {
		from   models.ConfigState
		action Action
	}{
		{models.ConfigStateCreated, ActionActivate},
		{models.ConfigStateStaged, ActionExpire},
		{models.ConfigStateActive, ActionStage},
		{models.ConfigStateActive, ActionDestroy},
		{models.ConfigStateExpired, ActionStage},
		{models.ConfigStateExpired, ActionActivate},
	}

	for _, c := range cases {
		_, err := m.Validate(c.from, c.action)
		require.Error(t, err, "expected %s from %s to be rejected", c.action, c.from)
		var terr *TransitionError
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, "InvalidTransition", terr.Code)
	}
}

// TestDirectStateChangeActionsSkipFanOut matches spec.md §4.5 step 5:
// expire/reactivate mutate the configuration directly with no
// transition row.
func TestDirectStateChangeActionsSkipFanOut(t *testing.T) {
	m := NewMachine()

	expireRule, err := m.Validate(models.ConfigStateActive, ActionExpire)
	require.NoError(t, err)
	assert.True(t, expireRule.DirectStateChange)
	assert.Empty(t, expireRule.FanOutName)

	reactivateRule, err := m.Validate(models.ConfigStateExpired, ActionReactivate)
	require.NoError(t, err)
	assert.True(t, reactivateRule.DirectStateChange)
}

func TestFanOutActionsCarryTransitionName(t *testing.T) {
	m := NewMachine()

	stageRule, err := m.Validate(models.ConfigStateCreated, ActionStage)
	require.NoError(t, err)
	assert.False(t, stageRule.DirectStateChange)
	assert.Equal(t, models.TransitionStage, stageRule.FanOutName)
}

func TestActionForTransitionNameRoundTrips(t *testing.T) {
	cases := map[models.TransitionName]Action{
		models.TransitionStage:      ActionStage,
		models.TransitionUnstage:    ActionUnstage,
		models.TransitionActivate:   ActionActivate,
		models.TransitionDeactivate: ActionDeactivate,
	}
	for name, action := range cases {
		assert.Equal(t, action, ActionForTransitionName(name))
	}
	assert.Equal(t, Action(""), ActionForTransitionName(models.TransitionName("bogus")))
}
