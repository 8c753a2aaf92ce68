package transcript

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/agentsession/internal/blocks"
)

func TestParse_UnknownArchitectureReturnsEmpty(t *testing.T) {
	result := Parse(blocks.Architecture("bogus"), blocks.Envelope{Main: "whatever"})
	require.Empty(t, result.Blocks)
}

func TestParse_MalformedEnvelopeNeverPanics(t *testing.T) {
	require.NotPanics(t, func() {
		result := Parse(blocks.ArchitectureA2, blocks.Envelope{Main: "{not json"})
		require.Empty(t, result.Blocks)
	})
}

func TestParse_A1UserMessage(t *testing.T) {
	raw := `{"type":"user","uuid":"u1","timestamp":"t1","message":{"role":"user","content":"hello there"}}`
	result := Parse(blocks.ArchitectureA1, blocks.Envelope{Main: raw})

	require.Len(t, result.Blocks, 1)
	require.Equal(t, blocks.TypeUserMessage, result.Blocks[0].Type)
	require.Equal(t, "hello there", result.Blocks[0].Content)
	require.Equal(t, "u1", result.Blocks[0].ID)
}

func TestParse_A1AssistantTextAndToolUse(t *testing.T) {
	raw := `{"type":"assistant","uuid":"a1","timestamp":"t2","message":{"role":"assistant","model":"sonnet","content":[` +
		`{"type":"text","text":"thinking out loud"},` +
		`{"type":"tool_use","id":"tu1","name":"bash","input":{"cmd":"ls"}}` +
		`]}}`
	result := Parse(blocks.ArchitectureA1, blocks.Envelope{Main: raw})

	require.Len(t, result.Blocks, 2)
	require.Equal(t, blocks.TypeAssistant, result.Blocks[0].Type)
	require.Equal(t, "thinking out loud", result.Blocks[0].Content)
	require.NotNil(t, result.Blocks[0].Model)
	require.Equal(t, "sonnet", *result.Blocks[0].Model)

	require.Equal(t, blocks.TypeToolUse, result.Blocks[1].Type)
	require.Equal(t, "bash", result.Blocks[1].ToolName)
	require.Equal(t, "tu1", result.Blocks[1].ToolUseID)
	require.Equal(t, blocks.ToolStatusSuccess, result.Blocks[1].Status)
}

func TestParse_A1SkipsMalformedLinesButKeepsRest(t *testing.T) {
	raw := `{"type":"user","uuid":"u1","message":{"role":"user","content":"first"}}
not json at all
{"type":"user","uuid":"u2","message":{"role":"user","content":"second"}}`
	result := Parse(blocks.ArchitectureA1, blocks.Envelope{Main: raw})

	require.Len(t, result.Blocks, 2)
	require.Equal(t, "first", result.Blocks[0].Content)
	require.Equal(t, "second", result.Blocks[1].Content)
}

func TestParse_A1SubagentToolResultBecomesSubagentBlock(t *testing.T) {
	raw := `{"type":"user","uuid":"u3","subagent_id":"sub1","subagent_status":"completed",` +
		`"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu1","content":"done"}]}}`
	result := Parse(blocks.ArchitectureA1, blocks.Envelope{Main: raw})

	require.Len(t, result.Blocks, 1)
	require.Equal(t, blocks.TypeSubagent, result.Blocks[0].Type)
	require.Equal(t, "sub1", result.Blocks[0].SubagentID)
	require.Equal(t, blocks.ToolStatusSuccess, result.Blocks[0].Status)
}

func TestParse_A2UserAndAssistantParts(t *testing.T) {
	raw := `{"messages":[
		{"info":{"id":"m1","role":"user","timestamp":"t1"},"parts":[{"type":"text","text":"hi"}]},
		{"info":{"id":"m2","role":"assistant","model":"sonnet","timestamp":"t2"},"parts":[{"type":"text","text":"hello back"}]}
	]}`
	result := Parse(blocks.ArchitectureA2, blocks.Envelope{Main: raw})

	require.GreaterOrEqual(t, len(result.Blocks), 2)
}

func TestParse_SubagentTranscriptsAreParsedIndependently(t *testing.T) {
	envelope := blocks.Envelope{
		Main: `{"type":"user","uuid":"u1","message":{"role":"user","content":"main"}}`,
		Subagents: []blocks.SubagentEnvelope{
			{ID: "sub1", Transcript: `{"type":"user","uuid":"s1","message":{"role":"user","content":"nested"}}`},
		},
	}
	result := Parse(blocks.ArchitectureA1, envelope)

	require.Len(t, result.Blocks, 1)
	require.Len(t, result.Subagents, 1)
	require.Equal(t, "sub1", result.Subagents[0].ID)
	require.Len(t, result.Subagents[0].Blocks, 1)
	require.Equal(t, "nested", result.Subagents[0].Blocks[0].Content)
}
