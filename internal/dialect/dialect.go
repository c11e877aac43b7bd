// Package dialect holds the per-engine command and response formats for the
// Quake3-derived server families warden can administer. A dialect is selected
// once when an instance is constructed and never changes afterwards.
package dialect

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ernie/warden/internal/domain"
)

// Dialect describes one engine family: how to phrase commands and how to
// read the text that comes back.
type Dialect interface {
	Name() string

	// Command builders
	StatusCommand() string
	GetCvarCommand(name string) string
	SetCvarCommand(name, value string) string
	KickCommand(target, reason string) string
	TellCommand(slot int, message string) string
	SayCommand(message string) string

	// MaxLineLength is the longest chat message the engine accepts in one
	// say/tell command. Longer messages are chunked by the client.
	MaxLineLength() int

	// ParseStatus extracts slot records from a raw status response. Lines
	// that do not match the status pattern are ignored.
	ParseStatus(raw string) *domain.GameStatus

	// ParseCvar extracts a variable value from a raw response. The second
	// return is false when no known format matched.
	ParseCvar(raw string) (string, bool)

	// CleanValue strips quoting, trailing annotations and color escapes
	// from a reported variable value.
	CleanValue(value string) string

	// ParseLogLine parses one game log line into an event, or nil when the
	// line matches no known pattern.
	ParseLogLine(line string) *LogEvent
}

// LogEventType classifies a parsed game log line
type LogEventType string

const (
	LogConnect    LogEventType = "connect"
	LogDisconnect LogEventType = "disconnect"
	LogChat       LogEventType = "chat"
	LogKill       LogEventType = "kill"
)

// LogEvent is one parsed game log line
type LogEvent struct {
	Type       LogEventType
	Slot       int
	GUID       string
	Name       string
	Message    string // chat only
	VictimSlot int    // kill only
	VictimGUID string
	VictimName string
	Weapon     string
}

// ByName returns the dialect for an engine identifier
func ByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "cod", "plutonium", "iw":
		return COD, nil
	case "quake3", "q3", "idtech3":
		return Quake3, nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", name)
	}
}

// Names returns the identifiers accepted by ByName, one per dialect
func Names() []string {
	return []string{COD.Name(), Quake3.Name()}
}

// colorEscapeRegex matches ^ followed by one digit, : or ;
var colorEscapeRegex = regexp.MustCompile(`\^[0-9:;]`)

// stripColors removes in-band color escapes
func stripColors(s string) string {
	return colorEscapeRegex.ReplaceAllString(s, "")
}

// trailing annotation clauses some engines append to cvar output
var (
	defaultClauseRegex = regexp.MustCompile(`\s*default:.*$`)
	domainClauseRegex  = regexp.MustCompile(`\s*Domain is .*$`)
)

// cleanCvarValue implements the shared cleaning steps: cut trailing
// "default:" and "Domain is" clauses, unwrap quotes, strip color escapes.
func cleanCvarValue(s string) string {
	s = strings.TrimSpace(s)
	s = defaultClauseRegex.ReplaceAllString(s, "")
	s = domainClauseRegex.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return stripColors(s)
}

// splitNonEmptyLines splits a response into trimmed non-empty lines
func splitNonEmptyLines(s string) []string {
	parts := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// group returns the named capture from a regexp match
func group(re *regexp.Regexp, match []string, name string) string {
	for i, n := range re.SubexpNames() {
		if n == name && i < len(match) {
			return match[i]
		}
	}
	return ""
}

// atoi converts a string to int, ignoring errors
func atoi(s string) int {
	i, _ := strconv.Atoi(s)
	return i
}

// parseMapLine extracts the map name from a "map: <name>" status line
func parseMapLine(lines []string) string {
	for _, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), "map:") {
			_, rest, _ := strings.Cut(line, ":")
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// parseStatusLines applies a status-line pattern to every line, returning
// records in input order. Lines before the column header and any unmatched
// trailing content are skipped.
func parseStatusLines(lines []string, headerRx, lineRx *regexp.Regexp) []domain.SlotStatus {
	start := 0
	for i, line := range lines {
		if headerRx.MatchString(line) {
			start = i + 1
			break
		}
	}

	var slots []domain.SlotStatus
	for _, line := range lines[start:] {
		if line == "" || line[0] < '0' || line[0] > '9' {
			continue
		}
		match := lineRx.FindStringSubmatch(line)
		if match == nil {
			continue
		}

		ping := group(lineRx, match, "ping")
		bot := group(lineRx, match, "bot")
		name := group(lineRx, match, "name")

		slots = append(slots, domain.SlotStatus{
			Slot:      atoi(group(lineRx, match, "num")),
			Score:     atoi(group(lineRx, match, "score")),
			IsBot:     bot == "1" || strings.EqualFold(bot, "yes"),
			Ping:      atoi(ping), // non-numeric pings (LOAD, CNCT) read as 0
			GUID:      group(lineRx, match, "guid"),
			Name:      name,
			CleanName: domain.CleanName(name),
			LastMsg:   atoi(group(lineRx, match, "lastmsg")),
			Address:   group(lineRx, match, "ipport"),
			QPort:     atoi(group(lineRx, match, "qport")),
			Rate:      atoi(group(lineRx, match, "rate")),
		})
	}
	return slots
}
