package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCanonicalState(t *testing.T) {
	cs := NewCanonicalState("sanguo")

	assert.Equal(t, "sanguo", cs.Meta.StoryID)
	assert.Equal(t, "1.0.0", cs.Meta.CanonVersion)
	assert.Equal(t, 0, cs.Meta.Turn)
	assert.Empty(t, cs.Meta.LastEventID)
	assert.Equal(t, 0, cs.Time.Anchor.Order)
	assert.Equal(t, UnknownLocationID, cs.Player.LocationID)
	require.Contains(t, cs.Entities.Locations, UnknownLocationID)
	assert.NoError(t, cs.Validate())
}

func TestCanonicalStateValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cs *CanonicalState)
		wantErr string
	}{
		{
			name:   "valid scaffold",
			mutate: func(cs *CanonicalState) {},
		},
		{
			name: "player location missing",
			mutate: func(cs *CanonicalState) {
				cs.Player.LocationID = "nowhere"
			},
			wantErr: `player location "nowhere" not found`,
		},
		{
			name: "party member missing",
			mutate: func(cs *CanonicalState) {
				cs.Player.Party = []string{"ghost"}
			},
			wantErr: `party member "ghost" not found`,
		},
		{
			name: "inventory item missing",
			mutate: func(cs *CanonicalState) {
				cs.Player.Inventory = []string{"vapor"}
			},
			wantErr: `inventory item "vapor" not found`,
		},
		{
			name: "character location missing",
			mutate: func(cs *CanonicalState) {
				cs.Entities.Characters["guanyu"] = &Character{
					ID: "guanyu", Name: "Guan Yu", LocationID: "mars", Alive: true,
				}
			},
			wantErr: `character "guanyu" location "mars" not found`,
		},
		{
			name: "character faction missing",
			mutate: func(cs *CanonicalState) {
				cs.Entities.Characters["guanyu"] = &Character{
					ID: "guanyu", Name: "Guan Yu", LocationID: UnknownLocationID,
					Alive: true, FactionID: "shu",
				}
			},
			wantErr: `character "guanyu" faction "shu" not found`,
		},
		{
			name: "item with no owner or location",
			mutate: func(cs *CanonicalState) {
				cs.Entities.Items["coin"] = &Item{ID: "coin", Name: "Coin"}
			},
			wantErr: `item "coin" has neither owner nor location`,
		},
		{
			name: "unique item without owner",
			mutate: func(cs *CanonicalState) {
				cs.Entities.Items["seal_001"] = &Item{
					ID: "seal_001", Name: "Imperial Seal",
					Unique: true, LocationID: UnknownLocationID,
				}
			},
			wantErr: `unique item "seal_001" has no owner`,
		},
		{
			name: "location parent missing",
			mutate: func(cs *CanonicalState) {
				cs.Entities.Locations["inner_court"] = &Location{
					ID: "inner_court", Name: "Inner Court", ParentLocationID: "palace",
				}
			},
			wantErr: `location "inner_court" parent "palace" not found`,
		},
		{
			name: "faction leader missing",
			mutate: func(cs *CanonicalState) {
				cs.Entities.Factions["wei"] = &Faction{ID: "wei", Name: "Wei", LeaderID: "caocao"}
			},
			wantErr: `faction "wei" leader "caocao" not found`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cs := NewCanonicalState("test")
			tc.mutate(cs)
			err := cs.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestHealLocationRefs(t *testing.T) {
	cs := NewCanonicalState("test")
	cs.Entities.Characters["zhangfei"] = &Character{
		ID: "zhangfei", Name: "Zhang Fei", LocationID: "xuchang", Alive: true,
	}
	cs.Entities.Items["spear"] = &Item{ID: "spear", Name: "Spear", LocationID: "luoyang"}
	cs.Player.LocationID = "chengdu"

	created := cs.HealLocationRefs()
	assert.Len(t, created, 3)
	assert.Contains(t, cs.Entities.Locations, "xuchang")
	assert.Contains(t, cs.Entities.Locations, "luoyang")
	assert.Contains(t, cs.Entities.Locations, "chengdu")
	assert.Equal(t, "xuchang", cs.Entities.Locations["xuchang"].Name)
	assert.NoError(t, cs.Validate())

	// Second pass is a no-op.
	assert.Empty(t, cs.HealLocationRefs())
}

func TestUniqueItemIDSet(t *testing.T) {
	cs := NewCanonicalState("test")
	cs.Entities.Items["sword_001"] = &Item{
		ID: "sword_001", Name: "Sword", Unique: true, OwnerID: "player_001",
	}
	cs.Entities.Items["rope"] = &Item{ID: "rope", Name: "Rope", LocationID: UnknownLocationID}
	cs.Constraints.UniqueItemIDs = []string{"seal_001"}

	set := cs.UniqueItemIDSet()
	assert.Contains(t, set, "sword_001")
	assert.Contains(t, set, "seal_001")
	assert.NotContains(t, set, "rope")
}

func TestCanonicalStateRoundTrip(t *testing.T) {
	cs := NewCanonicalState("roundtrip")
	cs.Entities.Characters["lubu"] = &Character{
		ID: "lubu", Name: "Lu Bu", LocationID: UnknownLocationID, Alive: false,
	}
	cs.Quest.Active = append(cs.Quest.Active, &Quest{
		ID: "q1", Title: "Find the seal", Status: QuestActive,
	})

	data, err := json.Marshal(cs)
	require.NoError(t, err)

	var back CanonicalState
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, cs.Meta.StoryID, back.Meta.StoryID)
	assert.Equal(t, cs.Entities.Characters["lubu"].Alive, back.Entities.Characters["lubu"].Alive)
	require.Len(t, back.Quest.Active, 1)
	assert.Equal(t, "q1", back.Quest.Active[0].ID)
}
