package palapi

import (
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// coercion is how a raw JSON value becomes a typed field.
type coercion int

const (
	asString coercion = iota
	asInt
	// asCount accepts a number or counts the elements of an array.
	asCount
)

// fieldRule maps one canonical field to its accepted source keys, in order.
type fieldRule struct {
	field string
	keys  []string
	kind  coercion
}

// Wrapper keys some peers nest the payload under.
var wrapperKeys = []string{"data", "result", "info", "server", "response"}

var serverInfoRules = []fieldRule{
	{field: "name", keys: []string{"servername", "serverName", "server_name", "name", "hostname"}, kind: asString},
	{field: "version", keys: []string{"version", "serverVersion", "server_version"}, kind: asString},
	{field: "map", keys: []string{"map", "mapName", "map_name", "world", "worldguid", "worldGuid", "world_guid"}, kind: asString},
	{field: "players", keys: []string{"players_online", "playersOnline", "currentplayernum", "currentPlayerNum", "player_count", "playerCount", "numplayers", "online"}, kind: asCount},
	{field: "max_players", keys: []string{"max_players", "maxPlayers", "maxplayernum", "maxPlayerNum", "max_player_num", "capacity", "slots"}, kind: asInt},
	{field: "uptime", keys: []string{"uptime_seconds", "uptimeSeconds", "uptime", "up_time"}, kind: asInt},
}

// Keys of a players collection, used both to find the list and to backfill a count.
var playerListKeys = []string{"players", "playerList", "player_list", "list"}

var playerRules = []fieldRule{
	{field: "name", keys: []string{"name", "playerName", "player_name", "nickname", "accountName", "account_name"}, kind: asString},
	{field: "level", keys: []string{"level", "lvl", "playerLevel"}, kind: asInt},
	{field: "ping", keys: []string{"ping", "latency", "rtt"}, kind: asInt},
	{field: "connected", keys: []string{"connected_seconds", "connectedSeconds", "online_seconds", "session_seconds", "connected"}, kind: asInt},
}

// object is a decoded JSON object viewed through its wrapper scopes.
type object struct {
	scopes []map[string]any
}

func newObject(raw any) object {
	m, ok := raw.(map[string]any)
	if !ok {
		return object{}
	}
	o := object{scopes: []map[string]any{m}}
	for _, k := range wrapperKeys {
		if inner, ok := lookupKey(m, k).(map[string]any); ok {
			o.scopes = append(o.scopes, inner)
		}
	}
	return o
}

// lookupKey tries an exact key, then a case-insensitive match.
func lookupKey(m map[string]any, key string) any {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

// first returns the first non-null value for any of keys across scopes.
func (o object) first(keys []string) (any, bool) {
	for _, k := range keys {
		for _, s := range o.scopes {
			if v := lookupKey(s, k); v != nil {
				return v, true
			}
		}
	}
	return nil, false
}

func (o object) str(rule fieldRule) (string, bool) {
	for _, k := range rule.keys {
		for _, s := range o.scopes {
			if v, ok := toString(lookupKey(s, k)); ok && v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func (o object) num(rule fieldRule) (int64, bool) {
	for _, k := range rule.keys {
		for _, s := range o.scopes {
			v := lookupKey(s, k)
			if v == nil {
				continue
			}
			if rule.kind == asCount {
				if arr, ok := v.([]any); ok {
					return int64(len(arr)), true
				}
			}
			if n, ok := toInt(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func toString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

// toInt coerces integers, floats (rounded) and numeric strings.
func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		if f, err := x.Float64(); err == nil {
			return roundFloat(f)
		}
	case float64:
		return roundFloat(x)
	case int:
		return int64(x), true
	case int64:
		return x, true
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return roundFloat(f)
		}
	}
	return 0, false
}

func roundFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(math.Round(f)), true
}

func intPtr(n int64) *int {
	v := int(n)
	return &v
}

func int64Ptr(n int64) *int64 { return &n }

// presence records which ServerInfo fields came from the peer rather than defaults.
type presence struct {
	playerCount bool
}

func ruleFor(rules []fieldRule, field string) fieldRule {
	for _, r := range rules {
		if r.field == field {
			return r
		}
	}
	return fieldRule{field: field}
}

// coerceServerInfo never fails: missing fields fall back to "Unknown", zero
// players and nil optionals.
func coerceServerInfo(raw any) (ServerInfo, presence) {
	o := newObject(raw)
	info := ServerInfo{Name: "Unknown"}
	var seen presence

	if s, ok := o.str(ruleFor(serverInfoRules, "name")); ok {
		info.Name = s
	}
	if s, ok := o.str(ruleFor(serverInfoRules, "version")); ok {
		info.Version = s
	}
	if s, ok := o.str(ruleFor(serverInfoRules, "map")); ok {
		info.Map = &s
	}
	if n, ok := o.num(ruleFor(serverInfoRules, "players")); ok {
		info.PlayersOnline = int(n)
		seen.playerCount = true
	} else if v, ok := o.first(playerListKeys); ok {
		if arr, ok := v.([]any); ok {
			info.PlayersOnline = len(arr)
			seen.playerCount = true
		}
	}
	if n, ok := o.num(ruleFor(serverInfoRules, "max_players")); ok {
		info.MaxPlayers = intPtr(n)
	}
	if n, ok := o.num(ruleFor(serverInfoRules, "uptime")); ok && n >= 0 {
		info.UptimeSeconds = int64Ptr(n)
	}
	return info, seen
}

// mergeMetrics fills fields the info response lacked from a metrics response.
func mergeMetrics(info *ServerInfo, seen presence, raw any) {
	m, _ := coerceServerInfo(raw)
	if info.UptimeSeconds == nil {
		info.UptimeSeconds = m.UptimeSeconds
	}
	if info.MaxPlayers == nil {
		info.MaxPlayers = m.MaxPlayers
	}
	if !seen.playerCount {
		info.PlayersOnline = m.PlayersOnline
	}
}

// coercePlayers accepts a bare array or an object holding the list under a
// known key. Non-object entries are ignored.
func coercePlayers(raw any) []Player {
	var list []any
	switch x := raw.(type) {
	case []any:
		list = x
	case map[string]any:
		if v, ok := newObject(x).first(playerListKeys); ok {
			list, _ = v.([]any)
		}
	}
	out := make([]Player, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, coercePlayer(m))
	}
	return out
}

func coercePlayer(m map[string]any) Player {
	o := object{scopes: []map[string]any{m}}
	p := Player{Name: "Unknown"}
	if s, ok := o.str(ruleFor(playerRules, "name")); ok {
		p.Name = s
	}
	if n, ok := o.num(ruleFor(playerRules, "level")); ok {
		p.Level = intPtr(n)
	}
	if n, ok := o.num(ruleFor(playerRules, "ping")); ok {
		p.Ping = intPtr(n)
	}
	if n, ok := o.num(ruleFor(playerRules, "connected")); ok && n >= 0 {
		p.ConnectedSeconds = int64Ptr(n)
	}
	p.ID = identity(o, p.Name)
	return p
}
