package dialect

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ernie/warden/internal/domain"
)

// COD is the IW/Plutonium engine family dialect
var COD Dialect = &codDialect{}

type codDialect struct{}

// status output: num score bot ping guid name lastmsg address qport rate
var (
	codHeaderRegex = regexp.MustCompile(`(?i)^num\s+score\s+`)
	codStatusRegex = regexp.MustCompile(
		`^(?P<num>\d+)\s+` +
			`(?P<score>-?\d+)\s+` +
			`(?P<bot>\d|yes|no)?\s*` +
			`(?P<ping>\d+|LOAD)\s+` +
			`(?P<guid>[0-9a-fA-F]+)\s+` +
			`(?P<name>.+?)\s+` +
			`(?P<lastmsg>\d+)\s+` +
			`(?P<ipport>\S+)\s+` +
			`(?P<qport>-?\d+)\s+` +
			`(?P<rate>\d+)$`,
	)

	// `"name" is: "value^7" default: "value^7"` plus a bare quoted fallback
	codCvarRegex     = regexp.MustCompile(`^"[^"]+" is: "(?P<value>[^"]*)"`)
	codBareCvarRegex = regexp.MustCompile(`^"(?P<value>[^"]*)"$`)

	// census log lines: J;guid;slot;name  Q;guid;slot;name
	codJoinRegex = regexp.MustCompile(`^(?P<kind>[JQ]);(?P<guid>[0-9a-fA-F]+);(?P<slot>\d+);(?P<name>.*)$`)
	codChatRegex = regexp.MustCompile(`^say;(?P<guid>[0-9a-fA-F]+);(?P<slot>\d+);(?P<name>[^;]*);(?P<msg>.*)$`)
	codKillRegex = regexp.MustCompile(`^K;(?P<vguid>[0-9a-fA-F]*);(?P<vslot>\d+);[^;]*;(?P<vname>[^;]*);` +
		`(?P<aguid>[0-9a-fA-F]*);(?P<aslot>\d+);[^;]*;(?P<aname>[^;]*);(?P<weapon>[^;]*);`)
)

func (d *codDialect) Name() string { return "cod" }

func (d *codDialect) StatusCommand() string { return "status" }

func (d *codDialect) GetCvarCommand(name string) string { return name }

func (d *codDialect) SetCvarCommand(name, value string) string {
	return fmt.Sprintf("set %s \"%s\"", name, value)
}

func (d *codDialect) KickCommand(target, reason string) string {
	return fmt.Sprintf("clientkick %s \"%s\"", target, reason)
}

func (d *codDialect) TellCommand(slot int, message string) string {
	return fmt.Sprintf("tell %d %s", slot, message)
}

func (d *codDialect) SayCommand(message string) string {
	return fmt.Sprintf("say %s", message)
}

func (d *codDialect) MaxLineLength() int { return 100 }

func (d *codDialect) ParseStatus(raw string) *domain.GameStatus {
	lines := splitNonEmptyLines(raw)
	return &domain.GameStatus{
		Map:         parseMapLine(lines),
		Slots:       parseStatusLines(lines, codHeaderRegex, codStatusRegex),
		Raw:         lines,
		RetrievedAt: time.Now().UTC(),
	}
}

func (d *codDialect) ParseCvar(raw string) (string, bool) {
	for _, line := range splitNonEmptyLines(raw) {
		if codCvarRegex.MatchString(line) {
			return d.CleanValue(line), true
		}
		if m := codBareCvarRegex.FindStringSubmatch(line); m != nil {
			return d.CleanValue(m[1]), true
		}
	}
	return "", false
}

func (d *codDialect) CleanValue(value string) string {
	// cut everything before the "is:" marker so the cleaner only sees the
	// value portion of `"name" is: "value" default: ...` responses
	if _, rest, found := strings.Cut(value, " is: "); found {
		value = rest
	}
	return cleanCvarValue(value)
}

func (d *codDialect) ParseLogLine(line string) *LogEvent {
	line = stripLogTimePrefix(line)

	if m := codJoinRegex.FindStringSubmatch(line); m != nil {
		ev := &LogEvent{
			Type: LogConnect,
			GUID: group(codJoinRegex, m, "guid"),
			Slot: atoi(group(codJoinRegex, m, "slot")),
			Name: group(codJoinRegex, m, "name"),
		}
		if group(codJoinRegex, m, "kind") == "Q" {
			ev.Type = LogDisconnect
		}
		return ev
	}

	if m := codChatRegex.FindStringSubmatch(line); m != nil {
		return &LogEvent{
			Type:    LogChat,
			GUID:    group(codChatRegex, m, "guid"),
			Slot:    atoi(group(codChatRegex, m, "slot")),
			Name:    group(codChatRegex, m, "name"),
			Message: strings.TrimSpace(group(codChatRegex, m, "msg")),
		}
	}

	if m := codKillRegex.FindStringSubmatch(line); m != nil {
		return &LogEvent{
			Type:       LogKill,
			GUID:       group(codKillRegex, m, "aguid"),
			Slot:       atoi(group(codKillRegex, m, "aslot")),
			Name:       group(codKillRegex, m, "aname"),
			VictimGUID: group(codKillRegex, m, "vguid"),
			VictimSlot: atoi(group(codKillRegex, m, "vslot")),
			VictimName: group(codKillRegex, m, "vname"),
			Weapon:     group(codKillRegex, m, "weapon"),
		}
	}

	return nil
}

// logTimePrefixRegex matches the "  123:45 " game-time prefix on log lines
var logTimePrefixRegex = regexp.MustCompile(`^\s*\d+:\d+\s+`)

func stripLogTimePrefix(line string) string {
	return logTimePrefixRegex.ReplaceAllString(line, "")
}
