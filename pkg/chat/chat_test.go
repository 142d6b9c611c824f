package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTurnRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     TurnRequest
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid request",
			req: TurnRequest{
				StoryID:        "story_001",
				UserMessage:    "I hand the seal to Liu Bei.",
				AssistantDraft: "Cao Cao passes the Imperial Seal across the table.",
			},
			wantErr: false,
		},
		{
			name: "empty user message is allowed",
			req: TurnRequest{
				StoryID:        "story_001",
				AssistantDraft: "The hall falls silent.",
			},
			wantErr: false,
		},
		{
			name: "missing story id",
			req: TurnRequest{
				AssistantDraft: "The hall falls silent.",
			},
			wantErr: true,
			errMsg:  "story_id",
		},
		{
			name: "missing draft",
			req: TurnRequest{
				StoryID:     "story_001",
				UserMessage: "I wait.",
			},
			wantErr: true,
			errMsg:  "assistant_draft",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			assert.NoError(t, err)
		})
	}
}
