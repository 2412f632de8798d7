package palapi

import (
	"regexp"
	"strings"
)

// SteamID64 values are 17 digits starting with the individual-account base.
// They must not sit inside a longer run of digits.
var steamID64 = regexp.MustCompile(`(?:^|\D)(7656119\d{10})(?:\D|$)`)

func findSteamID(s string) string {
	if m := steamID64.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

const steamPrefix = "steam_"

// Id-like keys, most specific first.
var identityKeys = []string{
	"userId", "userid", "user_id",
	"steamId", "steamid", "steam_id",
	"playerId", "playerid", "player_id", "playerUid", "uid",
	"id",
}

// CanonicalID extracts an embedded SteamID64 and formats it as "steam_<digits>".
// Other values are returned trimmed.
func CanonicalID(raw string) string {
	raw = strings.TrimSpace(raw)
	if m := findSteamID(raw); m != "" {
		return steamPrefix + m
	}
	return raw
}

// identity picks a stable id for a player record. A SteamID64 found in any
// id-like field wins; then the first id-like field in key order; then the name.
func identity(o object, name string) string {
	var first string
	for _, k := range identityKeys {
		for _, s := range o.scopes {
			v, ok := toString(lookupKey(s, k))
			if !ok || v == "" {
				continue
			}
			if m := findSteamID(v); m != "" {
				return steamPrefix + m
			}
			if first == "" {
				first = v
			}
		}
	}
	if first != "" {
		return first
	}
	if name != "" && name != "Unknown" {
		return name
	}
	return "unknown"
}
