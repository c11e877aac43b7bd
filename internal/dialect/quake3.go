package dialect

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ernie/warden/internal/domain"
)

// Quake3 is the baseline idTech3 dialect
var Quake3 Dialect = &quake3Dialect{}

type quake3Dialect struct{}

// status output: num score ping name lastmsg address qport rate
// idTech3 reports no GUID column; the guard layer recovers identity instead.
var (
	q3HeaderRegex = regexp.MustCompile(`(?i)^(cl\s+)?num\s+score\s+ping\s+`)
	q3StatusRegex = regexp.MustCompile(
		`^(?P<num>\d+)\s+` +
			`(?P<score>-?\d+)\s+` +
			`(?P<ping>\d+|CNCT|ZMBI)\s+` +
			`(?P<name>.+?)\s+` +
			`(?P<lastmsg>\d+)\s+` +
			`(?P<ipport>\S+)\s+` +
			`(?P<qport>-?\d+)\s+` +
			`(?P<rate>\d+)$`,
	)

	// `"name" is:"value^7", the default` and a bare quoted fallback
	q3CvarRegex     = regexp.MustCompile(`^"[^"]+" is:\s*"(?P<value>[^"]*)"`)
	q3BareCvarRegex = regexp.MustCompile(`^"(?P<value>[^"]*)"$`)

	q3ConnectRegex    = regexp.MustCompile(`^ClientConnect: (?P<slot>\d+)$`)
	q3DisconnectRegex = regexp.MustCompile(`^ClientDisconnect: (?P<slot>\d+)$`)
	q3ChatRegex       = regexp.MustCompile(`^say: (?P<name>[^:]+): (?P<msg>.*)$`)
	q3KillRegex       = regexp.MustCompile(`^Kill: (?P<aslot>\d+) (?P<vslot>\d+) \d+: ` +
		`(?P<aname>.+) killed (?P<vname>.+) by (?P<weapon>MOD_\w+)$`)
)

func (d *quake3Dialect) Name() string { return "quake3" }

func (d *quake3Dialect) StatusCommand() string { return "status" }

func (d *quake3Dialect) GetCvarCommand(name string) string { return name }

func (d *quake3Dialect) SetCvarCommand(name, value string) string {
	return fmt.Sprintf("set %s \"%s\"", name, value)
}

// idTech3 kick takes no reason; clientkick is used for numeric targets
func (d *quake3Dialect) KickCommand(target, reason string) string {
	if isDigits(target) {
		return fmt.Sprintf("clientkick %s", target)
	}
	return fmt.Sprintf("kick %s", target)
}

func (d *quake3Dialect) TellCommand(slot int, message string) string {
	return fmt.Sprintf("tell %d %s", slot, message)
}

func (d *quake3Dialect) SayCommand(message string) string {
	return fmt.Sprintf("say %s", message)
}

func (d *quake3Dialect) MaxLineLength() int { return 140 }

func (d *quake3Dialect) ParseStatus(raw string) *domain.GameStatus {
	lines := splitNonEmptyLines(raw)
	return &domain.GameStatus{
		Map:         parseMapLine(lines),
		Slots:       parseStatusLines(lines, q3HeaderRegex, q3StatusRegex),
		Raw:         lines,
		RetrievedAt: time.Now().UTC(),
	}
}

func (d *quake3Dialect) ParseCvar(raw string) (string, bool) {
	for _, line := range splitNonEmptyLines(raw) {
		if q3CvarRegex.MatchString(line) {
			return d.CleanValue(line), true
		}
		if m := q3BareCvarRegex.FindStringSubmatch(line); m != nil {
			return d.CleanValue(m[1]), true
		}
	}
	return "", false
}

func (d *quake3Dialect) CleanValue(value string) string {
	if _, rest, found := strings.Cut(value, " is:"); found {
		value = rest
	}
	// idTech3 appends `, the default` when the value is unchanged
	value = strings.TrimSuffix(strings.TrimSpace(value), ", the default")
	return cleanCvarValue(value)
}

func (d *quake3Dialect) ParseLogLine(line string) *LogEvent {
	line = stripLogTimePrefix(line)

	if m := q3ConnectRegex.FindStringSubmatch(line); m != nil {
		return &LogEvent{Type: LogConnect, Slot: atoi(m[1])}
	}
	if m := q3DisconnectRegex.FindStringSubmatch(line); m != nil {
		return &LogEvent{Type: LogDisconnect, Slot: atoi(m[1])}
	}
	if m := q3ChatRegex.FindStringSubmatch(line); m != nil {
		return &LogEvent{
			Type:    LogChat,
			Name:    domain.CleanName(strings.TrimSpace(group(q3ChatRegex, m, "name"))),
			Message: strings.TrimSpace(group(q3ChatRegex, m, "msg")),
		}
	}
	if m := q3KillRegex.FindStringSubmatch(line); m != nil {
		return &LogEvent{
			Type:       LogKill,
			Slot:       atoi(group(q3KillRegex, m, "aslot")),
			Name:       group(q3KillRegex, m, "aname"),
			VictimSlot: atoi(group(q3KillRegex, m, "vslot")),
			VictimName: group(q3KillRegex, m, "vname"),
			Weapon:     group(q3KillRegex, m, "weapon"),
		}
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
