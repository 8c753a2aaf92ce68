package transcript

import (
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/blocks"
	"github.com/kandev/agentsession/internal/logger"
)

// a2Document is the A2 (part-based) architecture's single-document
// transcript shape: a list of messages, each carrying an ordered list of
// typed parts.
type a2Document struct {
	Messages []a2Message `json:"messages"`
}

type a2Message struct {
	Info  a2Info            `json:"info"`
	Parts []json.RawMessage `json:"parts"`
}

type a2Info struct {
	ID        string `json:"id,omitempty"`
	Role      string `json:"role"` // user | assistant
	Model     string `json:"model,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// a2Part is a superset of every part kind's fields; unused fields are
// simply left zero for a given Type.
type a2Part struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`

	Text string `json:"text,omitempty"` // text, reasoning

	ToolCallID string                 `json:"toolCallID,omitempty"`
	ToolName   string                 `json:"toolName,omitempty"`
	Input      map[string]interface{} `json:"input,omitempty"`
	State      string                 `json:"state,omitempty"` // pending | running | completed | error
	Output     *string                `json:"output,omitempty"`
	ToolError  *string                `json:"error,omitempty"`
	Title      *string                `json:"title,omitempty"`

	SubagentID   string                   `json:"subagentId,omitempty"` // agent/subtask parts
	SubagentName *string                  `json:"name,omitempty"`
	Metadata     map[string]interface{}   `json:"metadata,omitempty"`
	ErrorMessage string                   `json:"message,omitempty"` // retry parts
}

var ignoredA2Parts = map[string]bool{
	"file": true, "snapshot": true, "patch": true, "compaction": true,
}

func parseA2(main string) blocks.ParsedConversation {
	var doc a2Document
	if err := json.Unmarshal([]byte(main), &doc); err != nil {
		logger.Default().Warn("malformed A2 transcript, returning empty parse", zap.Error(err))
		return blocks.ParsedConversation{}
	}

	var out blocks.ParsedConversation

	for mi, msg := range doc.Messages {
		switch msg.Info.Role {
		case "user":
			out.Blocks = append(out.Blocks, parseA2User(msg, mi)...)
		case "assistant":
			msgBlocks, subagents := parseA2Assistant(msg, mi)
			out.Blocks = append(out.Blocks, msgBlocks...)
			out.Subagents = append(out.Subagents, subagents...)
		}
	}

	return out
}

func parseA2User(msg a2Message, mi int) []blocks.Block {
	var sb strings.Builder
	for _, raw := range msg.Parts {
		var p a2Part
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	if sb.Len() == 0 {
		return nil
	}
	return []blocks.Block{{
		ID:        partOrMsgID(msg.Info.ID, stableID("a2", strconv.Itoa(mi))),
		Type:      blocks.TypeUserMessage,
		Timestamp: msg.Info.Timestamp,
		Content:   sb.String(),
	}}
}

func parseA2Assistant(msg a2Message, mi int) ([]blocks.Block, []blocks.Subagent) {
	var out []blocks.Block
	var subagents []blocks.Subagent

	var model *string
	if msg.Info.Model != "" {
		m := msg.Info.Model
		model = &m
	}

	for pi, raw := range msg.Parts {
		var p a2Part
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if ignoredA2Parts[p.Type] {
			continue
		}

		id := partOrMsgID(p.ID, stableID("a2", strconv.Itoa(mi), strconv.Itoa(pi)))

		switch p.Type {
		case "text":
			out = append(out, blocks.Block{ID: id, Type: blocks.TypeAssistant, Timestamp: msg.Info.Timestamp, Content: p.Text, Model: model})

		case "reasoning":
			out = append(out, blocks.Block{ID: id, Type: blocks.TypeThinking, Timestamp: msg.Info.Timestamp, Content: p.Text})

		case "step-start", "step-finish":
			out = append(out, blocks.Block{ID: id, Type: blocks.TypeSystem, Timestamp: msg.Info.Timestamp, Subtype: blocks.SystemStatus, Message: p.Type})

		case "retry":
			out = append(out, blocks.Block{ID: id, Type: blocks.TypeSystem, Timestamp: msg.Info.Timestamp, Subtype: blocks.SystemError, Message: p.ErrorMessage})

		case "tool":
			if p.ToolName == "task" {
				if subBlock, subThread, ok := parseA2TaskTool(p, id, msg.Info.Timestamp); ok {
					out = append(out, subBlock)
					subagents = append(subagents, subThread)
					continue
				}
			}
			out = append(out, toolBlocksFromPart(p, id, msg.Info.Timestamp)...)

		case "agent", "subtask":
			name := p.SubagentName
			out = append(out, blocks.Block{
				ID: id, Type: blocks.TypeSubagent, Timestamp: msg.Info.Timestamp,
				SubagentID: firstNonEmpty(p.SubagentID, id), Name: name,
				Status: a2State(p.State),
			})
		}
	}

	return out, subagents
}

// toolBlocksFromPart converts a plain tool part into a tool_use block, plus
// a tool_result block when the part has reached a terminal state.
func toolBlocksFromPart(p a2Part, id, timestamp string) []blocks.Block {
	toolUseID := p.ToolCallID
	if toolUseID == "" {
		toolUseID = id
	}

	status := a2State(p.State)
	result := []blocks.Block{{
		ID: id, Type: blocks.TypeToolUse, Timestamp: timestamp,
		ToolName: p.ToolName, ToolUseID: toolUseID, Input: p.Input,
		Status: status, DisplayName: p.Title,
	}}

	if status.IsTerminal() {
		var output interface{}
		if p.Output != nil {
			output = *p.Output
		}
		isError := status == blocks.ToolStatusError
		result = append(result, blocks.Block{
			ID: id + "_result", Type: blocks.TypeToolResult, Timestamp: timestamp,
			ToolUseID: toolUseID, Output: output, IsError: isError,
		})
	}
	return result
}

// parseA2TaskTool handles a "task" tool part: it both records a subagent
// block on the main thread and recursively parses the nested sub-thread
// from state.metadata.summary[] (spec §4.3 A2).
func parseA2TaskTool(p a2Part, id, timestamp string) (blocks.Block, blocks.Subagent, bool) {
	sessionID, _ := p.Metadata["sessionId"].(string)
	if sessionID == "" {
		return blocks.Block{}, blocks.Subagent{}, false
	}

	summaryRaw, ok := p.Metadata["summary"].([]interface{})
	var subThreadBlocks []blocks.Block
	if ok {
		for si, item := range summaryRaw {
			raw, err := json.Marshal(item)
			if err != nil {
				continue
			}
			var sp a2Part
			if err := json.Unmarshal(raw, &sp); err != nil {
				continue
			}
			subID := partOrMsgID(sp.ID, stableID("a2sub", sessionID, strconv.Itoa(si)))
			switch sp.Type {
			case "text":
				subThreadBlocks = append(subThreadBlocks, blocks.Block{ID: subID, Type: blocks.TypeAssistant, Timestamp: timestamp, Content: sp.Text})
			case "tool":
				subThreadBlocks = append(subThreadBlocks, toolBlocksFromPart(sp, subID, timestamp)...)
			}
		}
	}

	status := a2State(p.State)
	mainBlock := blocks.Block{
		ID: id, Type: blocks.TypeSubagent, Timestamp: timestamp,
		SubagentID: sessionID, Status: status, ToolUseID: p.ToolCallID,
	}
	return mainBlock, blocks.Subagent{ID: sessionID, Blocks: subThreadBlocks}, true
}

func a2State(state string) blocks.ToolStatus {
	switch state {
	case "completed":
		return blocks.ToolStatusSuccess
	case "error":
		return blocks.ToolStatusError
	case "running":
		return blocks.ToolStatusRunning
	default:
		return blocks.ToolStatusPending
	}
}

func partOrMsgID(native, fallback string) string {
	if native != "" {
		return native
	}
	return fallback
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
