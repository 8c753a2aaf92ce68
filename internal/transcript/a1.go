package transcript

import (
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/blocks"
	"github.com/kandev/agentsession/internal/logger"
)

// a1Record is one line of an SDK-style (Claude-Code-shaped) transcript.
type a1Record struct {
	Type      string     `json:"type"` // user | assistant | system | result
	UUID      string     `json:"uuid,omitempty"`
	Timestamp string     `json:"timestamp,omitempty"`
	Message   *a1Message `json:"message,omitempty"`
	Subtype   string     `json:"subtype,omitempty"` // system subtypes

	// result records
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// present on a user record that closes out a subagent sub-task
	SubagentID     string `json:"subagent_id,omitempty"`
	SubagentStatus string `json:"subagent_status,omitempty"` // completed | error
}

type a1Message struct {
	Role    string          `json:"role,omitempty"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"` // string OR []a1ContentItem
}

type a1ContentItem struct {
	Type string `json:"type"` // text | tool_use | tool_result | thinking

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	ID    string                 `json:"id,omitempty"` // tool_use id
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // tool_result content: string or []{type:text,text}
	IsError   bool            `json:"is_error,omitempty"`
}

var a1SystemSubtype = map[string]blocks.SystemSubtype{
	"init":             blocks.SystemSessionStart,
	"status":           blocks.SystemStatus,
	"hook_response":    blocks.SystemHookResponse,
	"compact_boundary": blocks.SystemStatus,
}

func parseA1(main string) blocks.ParsedConversation {
	var out blocks.ParsedConversation

	lines := strings.Split(main, "\n")
	for idx, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var rec a1Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			logger.Default().Warn("skipping malformed A1 transcript line",
				zap.Int("line", idx), zap.Error(err))
			continue // malformed line: skip, never abort the whole parse
		}

		recID := rec.UUID
		if recID == "" {
			recID = stableID("a1", strconv.Itoa(idx))
		}

		switch rec.Type {
		case "user":
			out.Blocks = append(out.Blocks, parseA1User(rec, recID, idx)...)
		case "assistant":
			out.Blocks = append(out.Blocks, parseA1Assistant(rec, recID, idx)...)
		case "system":
			out.Blocks = append(out.Blocks, parseA1System(rec, recID))
		case "result":
			out.Blocks = append(out.Blocks, parseA1Result(rec, recID))
		}
	}

	return out
}

func parseA1User(rec a1Record, recID string, idx int) []blocks.Block {
	if rec.Message == nil {
		return nil
	}

	// Plain string content: a user_message.
	var asString string
	if err := json.Unmarshal(rec.Message.Content, &asString); err == nil {
		return []blocks.Block{{
			ID:        recID,
			Type:      blocks.TypeUserMessage,
			Timestamp: rec.Timestamp,
			Content:   asString,
		}}
	}

	var items []a1ContentItem
	if err := json.Unmarshal(rec.Message.Content, &items); err != nil {
		return nil
	}

	var result []blocks.Block
	for i, item := range items {
		if item.Type != "tool_result" {
			continue
		}

		if rec.SubagentID != "" {
			status := blocks.ToolStatusError
			if rec.SubagentStatus == "completed" {
				status = blocks.ToolStatusSuccess
			}
			result = append(result, blocks.Block{
				ID:         stableID("a1", strconv.Itoa(idx), "sub", strconv.Itoa(i)),
				Type:       blocks.TypeSubagent,
				Timestamp:  rec.Timestamp,
				SubagentID: rec.SubagentID,
				Status:     status,
				Output:     extractTextParts(item.Content),
				ToolUseID:  item.ToolUseID,
			})
			continue
		}

		result = append(result, blocks.Block{
			ID:        stableID("a1", strconv.Itoa(idx), "tr", strconv.Itoa(i)),
			Type:      blocks.TypeToolResult,
			Timestamp: rec.Timestamp,
			ToolUseID: item.ToolUseID,
			Output:    decodeToolResultContent(item.Content),
			IsError:   item.IsError,
		})
	}
	return result
}

func parseA1Assistant(rec a1Record, recID string, idx int) []blocks.Block {
	if rec.Message == nil {
		return nil
	}

	var items []a1ContentItem
	if err := json.Unmarshal(rec.Message.Content, &items); err != nil {
		return nil
	}

	var model *string
	if rec.Message.Model != "" {
		m := rec.Message.Model
		model = &m
	}

	var result []blocks.Block
	for i, item := range items {
		id := stableID("a1", strconv.Itoa(idx), "c", strconv.Itoa(i))
		switch item.Type {
		case "text":
			result = append(result, blocks.Block{
				ID: id, Type: blocks.TypeAssistant, Timestamp: rec.Timestamp,
				Content: item.Text, Model: model,
			})
		case "thinking":
			result = append(result, blocks.Block{
				ID: id, Type: blocks.TypeThinking, Timestamp: rec.Timestamp,
				Content: item.Thinking,
			})
		case "tool_use":
			// Historical records are always terminal: the query that produced
			// this tool_use has already completed by the time we read the
			// transcript back, so there is no "running" state to recover.
			toolUseID := item.ID
			if toolUseID == "" {
				toolUseID = id
			}
			result = append(result, blocks.Block{
				ID: id, Type: blocks.TypeToolUse, Timestamp: rec.Timestamp,
				ToolName: item.Name, ToolUseID: toolUseID, Input: item.Input,
				Status: blocks.ToolStatusSuccess,
			})
		}
	}
	_ = recID
	return result
}

func parseA1System(rec a1Record, recID string) blocks.Block {
	subtype, ok := a1SystemSubtype[rec.Subtype]
	if !ok {
		subtype = blocks.SystemStatus
	}
	return blocks.Block{
		ID: recID, Type: blocks.TypeSystem, Timestamp: rec.Timestamp,
		Subtype: subtype, Message: rec.Subtype,
	}
}

func parseA1Result(rec a1Record, recID string) blocks.Block {
	subtype := blocks.SystemSessionEnd
	if rec.IsError {
		subtype = blocks.SystemError
	}
	return blocks.Block{
		ID: recID, Type: blocks.TypeSystem, Timestamp: rec.Timestamp,
		Subtype: subtype, Message: rec.Result,
	}
}

// extractTextParts concatenates the text of every {type:"text"} item in a
// tool_result content array (or returns the bare string if content was a
// plain string), used to derive a subagent block's output summary.
func extractTextParts(raw json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var items []a1ContentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, item := range items {
		if item.Type == "text" {
			sb.WriteString(item.Text)
		}
	}
	return sb.String()
}

func decodeToolResultContent(raw json.RawMessage) interface{} {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err == nil {
		return generic
	}
	return nil
}
