package parse

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Parser classifies worker output lines and reassembles them across chunk
// boundaries. Classification is stateless; the only state is one trailing
// partial line per stream id.
//
// Parser is safe for concurrent use, though chunks for a single stream id
// must be ingested in arrival order by a single caller.
type Parser struct {
	mu      sync.Mutex
	pending map[string]string // stream id -> trailing partial line
}

// NewParser creates a Parser with no buffered state.
func NewParser() *Parser {
	return &Parser{pending: make(map[string]string)}
}

// Ingest appends chunk to the stream's trailing buffer, splits on
// newlines, and classifies every complete line in order. The final
// fragment (possibly empty) becomes the new trailing buffer, so a line or
// JSON object split across any number of chunks is reassembled before
// classification. Lines that are empty after trimming are dropped.
func (p *Parser) Ingest(streamID, chunk string) []Line {
	p.mu.Lock()
	buf := p.pending[streamID] + chunk
	parts := strings.Split(buf, "\n")
	p.pending[streamID] = parts[len(parts)-1]
	p.mu.Unlock()

	var lines []Line
	for _, part := range parts[:len(parts)-1] {
		if line, ok := p.Classify(part); ok {
			lines = append(lines, line)
		}
	}
	return lines
}

// Flush classifies and clears the stream's trailing buffer. Called at
// process exit so a final unterminated line is not lost. Returns false if
// the buffer was empty or blank.
func (p *Parser) Flush(streamID string) (Line, bool) {
	p.mu.Lock()
	buf := p.pending[streamID]
	delete(p.pending, streamID)
	p.mu.Unlock()
	return p.Classify(buf)
}

// Reset discards any buffered partial line for the stream.
func (p *Parser) Reset(streamID string) {
	p.mu.Lock()
	delete(p.pending, streamID)
	p.mu.Unlock()
}

// Pending returns the current trailing buffer for a stream.
func (p *Parser) Pending(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[streamID]
}

// Classify classifies a single complete line. Returns false for lines
// that are empty after trimming; those are never emitted.
//
// A syntactically valid `{...}` object is decoded: a `phase` field or
// `type:"progress"` marks a progress update, a boolean `success` field
// marks a CLIResponse envelope, anything else is generic JSON. Lines that
// fail to decode fall through to case-insensitive prefix heuristics
// (ERROR:, WARNING:, DEBUG:, INFO:) and default to plain text. A
// malformed line never produces an error, only a text classification.
func (p *Parser) Classify(raw string) (Line, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Line{}, false
	}
	now := time.Now()

	if strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}") && gjson.Valid(text) {
		doc := gjson.Parse(text)
		switch {
		case doc.Get("phase").Exists() || doc.Get("type").String() == "progress":
			return Line{
				Type:     TypeProgress,
				Content:  text,
				Time:     now,
				Progress: decodeProgress(doc),
			}, true
		case doc.Get("success").IsBool():
			line := Line{Type: TypeJSON, Content: text, Time: now}
			var resp CLIResponse
			if err := json.Unmarshal([]byte(text), &resp); err == nil {
				line.Response = &resp
			}
			return line, true
		default:
			return Line{Type: TypeJSON, Content: text, Time: now}, true
		}
	}

	return Line{Type: prefixType(text), Content: text, Time: now}, true
}

// decodeProgress normalizes a progress object. Field extraction via gjson
// means absent or mistyped fields yield zero values rather than decode
// errors; the phase defaults to idle.
func decodeProgress(doc gjson.Result) *BuildProgress {
	prog := &BuildProgress{
		SpecID:            doc.Get("specId").String(),
		SpecName:          doc.Get("specName").String(),
		Phase:             Phase(doc.Get("phase").String()),
		PhaseProgress:     doc.Get("phaseProgress").Float(),
		OverallProgress:   doc.Get("overallProgress").Float(),
		CurrentSubtask:    doc.Get("currentSubtask").String(),
		CurrentSubtaskID:  doc.Get("currentSubtaskId").String(),
		CompletedSubtasks: int(doc.Get("completedSubtasks").Int()),
		TotalSubtasks:     int(doc.Get("totalSubtasks").Int()),
		Message:           doc.Get("message").String(),
		Timestamp:         doc.Get("timestamp").String(),
	}
	if prog.Phase == "" {
		prog.Phase = PhaseIdle
	}
	doc.Get("completedPhases").ForEach(func(_, value gjson.Result) bool {
		prog.CompletedPhases = append(prog.CompletedPhases, value.String())
		return true
	})
	return prog
}

// prefixType maps a log-text line to a severity by its prefix.
func prefixType(text string) LineType {
	switch {
	case hasFoldPrefix(text, "ERROR:"):
		return TypeError
	case hasFoldPrefix(text, "WARNING:"):
		return TypeWarning
	case hasFoldPrefix(text, "DEBUG:"):
		return TypeDebug
	case hasFoldPrefix(text, "INFO:"):
		return TypeInfo
	default:
		return TypePlain
	}
}

func hasFoldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
