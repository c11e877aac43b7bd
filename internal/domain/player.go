package domain

import "regexp"

// Identity is the persisted identity a player directory resolves for a GUID
type Identity struct {
	PlayerID int64  `json:"player_id"`
	GUID     string `json:"guid"`
	Name     string `json:"name"`
	Level    int    `json:"level"` // trust/permission level, 0 = unprivileged
}

// colorCodeRegex matches in-band color escapes: ^ followed by a digit, : or ;
var colorCodeRegex = regexp.MustCompile(`\^[0-9:;]`)

// CleanName removes engine color escapes from a player name
func CleanName(name string) string {
	return colorCodeRegex.ReplaceAllString(name, "")
}
