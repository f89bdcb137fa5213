package history

import (
	"fmt"
	"regexp"
	"strings"

	"agentd/internal/claude"
)

// toolResult is the correlated result half of a tool call, found wherever it
// appears in the log.
type toolResult struct {
	output  []byte
	text    string
	isError bool
}

// Reconstruct rebuilds the ordered logical messages from session log
// entries. It is a pure function of the log contents: the same bytes always
// yield the same messages.
//
// Pass one correlates every tool_use id with its result. Pass two walks the
// entries in order, grouping consecutive assistant records into one logical
// turn; a user record with real text finalizes the group, while a record
// carrying only tool results merges into the open tool part and produces no
// message of its own.
func Reconstruct(entries []claude.LogEntry) []Message {
	results := collectToolResults(entries)

	var messages []Message
	var group []claude.LogEntry

	flush := func() {
		if len(group) == 0 {
			return
		}
		messages = append(messages, consolidate(group, results, len(messages)))
		group = group[:0]
	}

	for _, entry := range entries {
		if entry.IsSidechain || entry.IsMeta {
			continue
		}
		switch entry.Type {
		case claude.EntryAssistant:
			if entry.AssistantContent() != nil {
				group = append(group, entry)
			}
		case claude.EntryUser:
			um := entry.UserContent()
			if um == nil {
				continue
			}
			text := userText(um)
			if text == "" {
				// Tool-result-only record: already merged via pass one. A
				// trailing one at end of log is swallowed the same way.
				continue
			}
			flush()
			messages = append(messages, Message{
				ID:    messageID(entry.UUID, len(messages)),
				Role:  "user",
				Parts: []Part{{Type: PartText, Text: text}},
			})
		}
	}
	flush()
	return messages
}

func collectToolResults(entries []claude.LogEntry) map[string]toolResult {
	results := make(map[string]toolResult)
	for _, entry := range entries {
		um := entry.UserContent()
		if um == nil {
			continue
		}
		for _, block := range um.Blocks() {
			if block.Type != claude.BlockToolResult || block.ToolUseID == "" {
				continue
			}
			if _, ok := results[block.ToolUseID]; ok {
				continue
			}
			results[block.ToolUseID] = toolResult{
				output:  block.Content,
				text:    block.ResultText(),
				isError: block.IsError,
			}
		}
	}
	return results
}

// consolidate folds one group of assistant records into a single logical
// message. Blocks keep their original order; duplicate tool-call ids keep the
// first occurrence; a step boundary part separates records from different
// upstream steps, mirroring the live stream's step-start chunks.
func consolidate(group []claude.LogEntry, results map[string]toolResult, index int) Message {
	msg := Message{
		ID:   messageID(group[0].UUID, index),
		Role: "assistant",
	}

	seenTools := make(map[string]bool)
	prevStep := ""
	for _, entry := range group {
		am := entry.AssistantContent()
		step := stepKey(entry, am)
		if prevStep != "" && step != prevStep {
			msg.Parts = append(msg.Parts, Part{Type: PartStepStart})
		}
		prevStep = step

		for _, block := range am.Content {
			switch block.Type {
			case claude.BlockText:
				msg.Parts = append(msg.Parts, Part{Type: PartText, Text: block.Text})
			case claude.BlockThinking:
				msg.Parts = append(msg.Parts, Part{Type: PartReasoning, Text: block.Thinking})
			case claude.BlockToolUse:
				if seenTools[block.ID] {
					continue
				}
				seenTools[block.ID] = true
				part := Part{
					Type:       PartTool,
					ToolCallID: block.ID,
					ToolName:   block.Name,
					State:      ToolInputAvailable,
					Input:      block.Input,
				}
				if res, ok := results[block.ID]; ok {
					if res.isError {
						part.State = ToolOutputError
						part.ErrorText = res.text
					} else {
						part.State = ToolOutputAvailable
						part.Output = res.output
					}
				}
				msg.Parts = append(msg.Parts, part)
			}
		}
	}
	return msg
}

// stepKey identifies which upstream step a record belongs to. Records from
// one step share the API message id; the request id is the fallback.
func stepKey(entry claude.LogEntry, am *claude.AssistantMessage) string {
	if am != nil && am.ID != "" {
		return am.ID
	}
	if entry.RequestID != "" {
		return entry.RequestID
	}
	return entry.UUID
}

func messageID(uuid string, index int) string {
	if uuid != "" {
		return uuid
	}
	return fmt.Sprintf("msg-%d", index)
}

// userText extracts the displayable text of a user record, empty when the
// record only carries tool results.
func userText(um *claude.UserMessage) string {
	if s := um.Text(); s != "" {
		return s
	}
	var b strings.Builder
	for _, block := range um.Blocks() {
		if block.Type == claude.BlockText && block.Text != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

var errPattern = regexp.MustCompile(`(?i)(api error|overloaded|rate limit|error:)`)

// LastError probes only the final log line for a failure written to disk,
// letting callers distinguish a clean exit from a crash without re-reading
// the whole log. Returns the user-facing message and whether one was found.
func LastError(entries []claude.LogEntry) (string, bool) {
	if len(entries) == 0 {
		return "", false
	}
	last := entries[len(entries)-1]
	am := last.AssistantContent()
	if am == nil {
		return "", false
	}

	lastText := ""
	for _, block := range am.Content {
		if block.Type == claude.BlockText && block.Text != "" {
			lastText = block.Text
		}
	}

	if last.IsAPIErrorMessage {
		if lastText != "" {
			return lastText, true
		}
		return "the agent process reported an API error", true
	}
	if lastText != "" && errPattern.MatchString(lastText) {
		return lastText, true
	}
	return "", false
}
