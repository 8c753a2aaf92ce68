package sessionstate

import (
	"encoding/json"

	"github.com/kandev/agentsession/internal/blocks"
)

// decodeBlock converts a generic JSON-decoded block payload (as received
// in a block:start/block:complete event) into a typed Block via a
// marshal/unmarshal round-trip through the same json tags C3 uses, so a
// malformed or partial payload degrades to zero-valued fields rather than
// panicking.
func decodeBlock(raw map[string]interface{}) blocks.Block {
	var b blocks.Block
	data, err := json.Marshal(raw)
	if err != nil {
		return b
	}
	_ = json.Unmarshal(data, &b)
	return b
}

// applyUpdates merges a partial block payload (block:update's `updates`
// field) into an existing block in place: only fields present in updates
// are touched.
func applyUpdates(b *blocks.Block, updates map[string]interface{}) {
	if updates == nil {
		return
	}
	patched := decodeBlock(updates)

	if _, ok := updates["content"]; ok {
		b.Content = patched.Content
	}
	if _, ok := updates["status"]; ok {
		b.Status = patched.Status
	}
	if _, ok := updates["output"]; ok {
		b.Output = patched.Output
	}
	if _, ok := updates["isError"]; ok {
		b.IsError = patched.IsError
	}
	if _, ok := updates["durationMs"]; ok {
		b.DurationMs = patched.DurationMs
	}
	if _, ok := updates["input"]; ok {
		b.Input = patched.Input
	}
	if _, ok := updates["displayName"]; ok {
		b.DisplayName = patched.DisplayName
	}
	if _, ok := updates["description"]; ok {
		b.Description = patched.Description
	}
	if _, ok := updates["message"]; ok {
		b.Message = patched.Message
	}
	if _, ok := updates["metadata"]; ok {
		b.Metadata = patched.Metadata
	}
}
