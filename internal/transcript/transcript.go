// Package transcript implements C3: a pure function that converts an
// architecture-tagged raw transcript envelope into the uniform block
// model (spec §4.3). Parse never panics and never returns an error for a
// malformed envelope — it recovers locally per architecture's parser and
// logs a warning, because a corrupted transcript must never make a
// session unloadable (spec §4.3 "Failure").
package transcript

import (
	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/blocks"
	"github.com/kandev/agentsession/internal/logger"
)

// backend is one architecture's conversion logic. Implementations are
// pure: same input always yields the same output (spec §8 property 3).
type backend func(main string) blocks.ParsedConversation

var backends = map[blocks.Architecture]backend{
	blocks.ArchitectureA1: parseA1,
	blocks.ArchitectureA2: parseA2,
}

// Parse converts raw into the uniform block model for the given
// architecture. On any parse failure (unknown architecture, malformed
// envelope) it returns an empty, valid ParsedConversation and logs a
// warning rather than propagating an error.
func Parse(arch blocks.Architecture, raw blocks.Envelope) blocks.ParsedConversation {
	be, ok := backends[arch]
	if !ok {
		logger.Default().Warn("unknown architecture, returning empty parse",
			zap.String("architecture", string(arch)))
		return blocks.ParsedConversation{}
	}

	result := safeParse(be, raw.Main)

	for _, sub := range raw.Subagents {
		subResult := safeParse(be, sub.Transcript)
		result.Subagents = append(result.Subagents, blocks.Subagent{
			ID:     sub.ID,
			Blocks: subResult.Blocks,
		})
	}

	return result
}

func safeParse(be backend, main string) (result blocks.ParsedConversation) {
	defer func() {
		if r := recover(); r != nil {
			logger.Default().Warn("transcript parse panicked, returning empty parse",
				zap.Any("panic", r))
			result = blocks.ParsedConversation{}
		}
	}()
	return be(main)
}
