package nix

import (
	"encoding/json"
	"strings"
)

// Nix's internal-json log protocol, from src/libutil/logging.hh. Only the
// activities and results the controller consumes are decoded.
const (
	activityBuild = 105

	resultBuildLogLine = 101
	resultSetPhase     = 104
)

// MessageKind discriminates the decoded subset of log messages.
type MessageKind int

const (
	MessageStart MessageKind = iota
	MessagePhase
	MessageBuildLogLine
	MessageStop
)

// Message is one decoded internal-json log message.
type Message struct {
	ID    uint64
	Kind  MessageKind
	Drv   string // MessageStart
	Phase string // MessagePhase
	Line  string // MessageBuildLogLine
}

// ParseMessage decodes one "@nix "-prefixed log line. Returns false for
// plain stderr lines and message types the controller ignores.
func ParseMessage(raw string) (Message, bool) {
	payload, ok := strings.CutPrefix(raw, "@nix ")
	if !ok {
		return Message{}, false
	}
	var decoded struct {
		Action string            `json:"action"`
		ID     uint64            `json:"id"`
		Type   int               `json:"type"`
		Fields []json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return Message{}, false
	}
	firstField := func() (string, bool) {
		if len(decoded.Fields) == 0 {
			return "", false
		}
		var s string
		if err := json.Unmarshal(decoded.Fields[0], &s); err != nil {
			return "", false
		}
		return s, true
	}
	switch decoded.Action {
	case "start":
		if decoded.Type != activityBuild {
			return Message{}, false
		}
		drv, ok := firstField()
		if !ok {
			return Message{}, false
		}
		return Message{ID: decoded.ID, Kind: MessageStart, Drv: drv}, true
	case "result":
		switch decoded.Type {
		case resultBuildLogLine:
			line, ok := firstField()
			if !ok {
				return Message{}, false
			}
			return Message{ID: decoded.ID, Kind: MessageBuildLogLine, Line: line}, true
		case resultSetPhase:
			phase, ok := firstField()
			if !ok {
				return Message{}, false
			}
			return Message{ID: decoded.ID, Kind: MessagePhase, Phase: phase}, true
		}
		return Message{}, false
	case "stop":
		return Message{ID: decoded.ID, Kind: MessageStop}, true
	}
	return Message{}, false
}
