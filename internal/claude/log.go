package claude

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"os"
)

// LogEntry is one line of the append-only session log. The CLI owns the file;
// this process only ever reads it.
type LogEntry struct {
	Type       string          `json:"type"`
	UUID       string          `json:"uuid,omitempty"`
	ParentUUID *string         `json:"parentUuid,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	Version    string          `json:"version,omitempty"`
	GitBranch  string          `json:"gitBranch,omitempty"`
	CWD        string          `json:"cwd,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`

	IsMeta            bool `json:"isMeta,omitempty"`
	IsSidechain       bool `json:"isSidechain,omitempty"`
	IsAPIErrorMessage bool `json:"isApiErrorMessage,omitempty"`
}

// Log entry types that matter for reconstruction. Anything else
// (file-history-snapshot, summary, queue-operation, ...) is skipped.
const (
	EntryUser      = "user"
	EntryAssistant = "assistant"
	EntrySystem    = "system"
)

// UserContent decodes the entry's nested user message. Returns nil when the
// entry is not user-shaped.
func (e *LogEntry) UserContent() *UserMessage {
	if e.Type != EntryUser || len(e.Message) == 0 {
		return nil
	}
	var um UserMessage
	if err := json.Unmarshal(e.Message, &um); err != nil {
		return nil
	}
	return &um
}

// AssistantContent decodes the entry's nested assistant message. Returns nil
// when the entry is not assistant-shaped.
func (e *LogEntry) AssistantContent() *AssistantMessage {
	if e.Type != EntryAssistant || len(e.Message) == 0 {
		return nil
	}
	var am AssistantMessage
	if err := json.Unmarshal(e.Message, &am); err != nil {
		return nil
	}
	return &am
}

// ReadLog parses every line of a session log file. Unparseable lines are
// skipped with a diagnostic, never fatal.
func ReadLog(path string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseLog(f)
}

// ParseLog parses newline-delimited log entries from r.
func ParseLog(r io.Reader) ([]LogEntry, error) {
	scanner := bufio.NewScanner(r)
	// Tool results can carry whole files; allow large lines.
	const maxLine = 16 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	var entries []LogEntry
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			log.Printf("claude: skipping unparseable log line %d: %v", lineNo, err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}
