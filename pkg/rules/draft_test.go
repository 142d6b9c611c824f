package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDraftCleanPasses(t *testing.T) {
	g := NewGate(nil)
	cs := gateState()

	res := g.ValidateDraft(cs, "Cao Cao smiles and pours the wine. Yuan Shao waits beyond the river.")
	assert.Equal(t, ActionPass, res.Action)
	assert.Empty(t, res.Violations)
}

func TestDraftDeadCharacterActing(t *testing.T) {
	g := NewGate(nil)
	cs := gateState()

	res := g.ValidateDraft(cs, "Lu Bu draws his halberd and charges the gate.")
	assert.Equal(t, ActionRewrite, res.Action)
	require.True(t, hasRule(res, "R3"))
}

func TestDraftDeathClaimOnAliveCharacter(t *testing.T) {
	g := NewGate(nil)
	cs := gateState()

	res := g.ValidateDraft(cs, "Cao Cao is dead, struck down before the dawn watch.")
	assert.Equal(t, ActionRewrite, res.Action)
	assert.True(t, hasRule(res, "R10"))
}

func TestDraftLifeClaimOnDeadCharacter(t *testing.T) {
	g := NewGate(nil)
	cs := gateState()

	res := g.ValidateDraft(cs, "Whispers say Lu Bu is alive and hiding beyond the mountains.")
	assert.Equal(t, ActionRewrite, res.Action)
	assert.True(t, hasRule(res, "R10"))
}

func TestDraftLocationMismatch(t *testing.T) {
	g := NewGate(nil)
	cs := gateState()

	res := g.ValidateDraft(cs, "Zhang Fei stood in Xuchang and counted the banners on the wall.")
	assert.Equal(t, ActionRewrite, res.Action)
	require.True(t, hasRule(res, "R10"))

	var msg string
	for _, v := range res.Violations {
		if v.RuleID == "R10" {
			msg = v.Message
		}
	}
	assert.Contains(t, msg, "Xuchang")
}

func TestDraftMentionOfCurrentLocationPasses(t *testing.T) {
	g := NewGate(nil)
	cs := gateState()

	res := g.ValidateDraft(cs, "Zhang Fei stood in Luoyang and watched the road east.")
	assert.Equal(t, ActionPass, res.Action)
}

func TestDraftNeverAsksUser(t *testing.T) {
	g := NewGate(nil)
	cs := gateState()

	res := g.ValidateDraft(cs, "Lu Bu laughs. Cao Cao is dead.")
	assert.Equal(t, ActionRewrite, res.Action)
	assert.Empty(t, res.Questions)
}
