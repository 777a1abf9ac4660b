package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Encode renders ev as strict JSON
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeEvent parses a progress payload. Besides the current format it
// accepts the flat state objects emitted by older producers, including
// ones written with single-quoted strings and True/False/None literals.
func DecodeEvent(data []byte) (Event, error) {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		data = Normalize(data)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return Event{}, fmt.Errorf("decode progress event: %w", err)
	}

	if _, ok := probe["counters"]; ok {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return Event{}, fmt.Errorf("decode progress event: %w", err)
		}
		return ev, nil
	}

	var legacy legacyState
	if err := json.Unmarshal(data, &legacy); err != nil {
		return Event{}, fmt.Errorf("decode legacy progress event: %w", err)
	}
	return legacy.event(), nil
}

// legacyState is the flat migration_state object of earlier producers
type legacyState struct {
	JobID            string          `json:"job_id"`
	Status           string          `json:"status"`
	TotalEmails      int64           `json:"total_emails"`
	ProcessedEmails  int64           `json:"processed_emails"`
	SuccessfulEmails int64           `json:"successful_emails"`
	FailedEmails     int64           `json:"failed_emails"`
	CurrentLabel     string          `json:"current_label"`
	TotalLabels      int             `json:"total_labels"`
	ProcessedLabels  int             `json:"processed_labels"`
	Logs             json.RawMessage `json:"logs"`
}

func (l legacyState) event() Event {
	ev := Event{
		JobID:  l.JobID,
		Status: legacyStatus(l.Status),
		Folder: l.CurrentLabel,
		Counters: Counters{
			Total:        l.TotalEmails,
			TotalKnown:   l.TotalEmails > 0,
			Processed:    l.ProcessedEmails,
			Succeeded:    l.SuccessfulEmails,
			Failed:       l.FailedEmails,
			FoldersTotal: l.TotalLabels,
			FoldersDone:  l.ProcessedLabels,
		},
	}

	var line string
	var lines []string
	if err := json.Unmarshal(l.Logs, &lines); err == nil && len(lines) > 0 {
		line = lines[len(lines)-1]
	} else {
		_ = json.Unmarshal(l.Logs, &line)
	}
	if line != "" {
		ev.Log = &LogEntry{Level: LevelInfo, Message: stripClock(line)}
		if strings.Contains(strings.ToLower(line), "error") || strings.Contains(strings.ToLower(line), "failed") {
			ev.Log.Level = LevelError
		}
	}
	return ev
}

func legacyStatus(s string) Status {
	switch strings.ToLower(s) {
	case "idle", "":
		return StatusPending
	case "running", "in_progress":
		return StatusRunning
	case "completed", "done":
		return StatusCompleted
	case "failed", "error":
		return StatusFailed
	case "cancelled", "canceled":
		return StatusCancelled
	case "paused":
		return StatusPaused
	}
	return Status(strings.ToLower(s))
}

// stripClock removes a leading "[15:04:05] " stamp
func stripClock(line string) string {
	if len(line) > 11 && line[0] == '[' && line[9] == ']' {
		if _, err := time.Parse("15:04:05", line[1:9]); err == nil {
			return strings.TrimSpace(line[10:])
		}
	}
	return line
}

// Normalize rewrites single-quoted strings as JSON strings and the bare
// literals True, False and None as true, false and null. Input that is
// already JSON passes through unchanged.
func Normalize(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data))

	for i := 0; i < len(data); {
		c := data[i]
		switch {
		case c == '"':
			j := scanString(data, i, '"')
			out.Write(data[i:j])
			i = j
		case c == '\'':
			j := scanString(data, i, '\'')
			out.WriteByte('"')
			end := j - 1
			if end < i+1 || data[end] != '\'' {
				end = j
			}
			body := data[i+1 : end]
			for k := 0; k < len(body); k++ {
				switch {
				case body[k] == '\\' && k+1 < len(body) && body[k+1] == '\'':
					out.WriteByte('\'')
					k++
				case body[k] == '\\' && k+1 < len(body):
					out.WriteByte('\\')
					out.WriteByte(body[k+1])
					k++
				case body[k] == '"':
					out.WriteString(`\"`)
				default:
					out.WriteByte(body[k])
				}
			}
			out.WriteByte('"')
			i = j
		case isIdentStart(c):
			j := i
			for j < len(data) && (isIdentStart(data[j]) || unicode.IsDigit(rune(data[j]))) {
				j++
			}
			switch word := string(data[i:j]); word {
			case "True":
				out.WriteString("true")
			case "False":
				out.WriteString("false")
			case "None":
				out.WriteString("null")
			default:
				out.WriteString(word)
			}
			i = j
		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.Bytes()
}

// scanString returns the index just past the string opened at data[start]
func scanString(data []byte, start int, quote byte) int {
	for i := start + 1; i < len(data); i++ {
		switch data[i] {
		case '\\':
			i++
		case quote:
			return i + 1
		}
	}
	return len(data)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
