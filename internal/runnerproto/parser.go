package runnerproto

import (
	"bufio"
	"encoding/json"
	"io"

	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/logger"
)

// Parser reads line-delimited JSON SessionEvents from a runner's stdout.
// It holds at most one read chunk plus one partial line in memory (spec
// §4.2 back-pressure note): it is a plain pull-based scanner, not a
// buffering producer, so consumers set the pace.
type Parser struct {
	scanner *bufio.Scanner
	logger  *logger.Logger
}

// New wraps stdout in a Parser. log receives forwarded "log" events.
func New(stdout io.Reader, log *logger.Logger) *Parser {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	return &Parser{scanner: scanner, logger: log}
}

// Next returns the next non-"log" event, or io.EOF once the stream ends.
// Malformed JSON lines are skipped silently; a trailing partial line is
// parsed if the stream ends without a final newline and is non-empty.
func (p *Parser) Next() (Event, error) {
	for p.scanner.Scan() {
		line := p.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			continue
		}

		if evt.Type == TypeLog {
			p.forwardLog(evt)
			continue
		}

		return evt, nil
	}
	if err := p.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// All drains the parser into a slice, for callers that want the whole
// output at once rather than streaming it through Next.
func (p *Parser) All() ([]Event, error) {
	var events []Event
	for {
		evt, err := p.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, evt)
	}
}

func (p *Parser) forwardLog(evt Event) {
	if p.logger == nil {
		return
	}
	payload, err := DecodeLogPayload(evt)
	if err != nil {
		p.logger.Warn("malformed log event from runner", zap.Error(err))
		return
	}
	p.logger.LogAtLevel(payload.Level, payload.Message,
		zap.Any("data", payload.Data),
		zap.String("session_id", evt.Context.SessionID))
}
