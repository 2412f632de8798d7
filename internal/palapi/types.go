package palapi

// ServerInfo is the canonical server summary. Optional fields are nil when the
// peer did not report them.
type ServerInfo struct {
	Name          string  `json:"name"`
	Version       string  `json:"version,omitempty"`
	Map           *string `json:"map,omitempty"`
	PlayersOnline int     `json:"players_online"`
	MaxPlayers    *int    `json:"max_players,omitempty"`
	UptimeSeconds *int64  `json:"uptime_seconds,omitempty"`
}

// Player is one connected player. ID is the normalized identity.
type Player struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Level            *int   `json:"level,omitempty"`
	Ping             *int   `json:"ping,omitempty"`
	ConnectedSeconds *int64 `json:"connected_seconds,omitempty"`
}

// Step is one attempted candidate of a negotiated operation.
type Step struct {
	Candidate string `json:"candidate"`
	URL       string `json:"url"`
	Status    int    `json:"status,omitempty"`
	OK        bool   `json:"ok"`
	Skipped   bool   `json:"skipped,omitempty"`
	Err       string `json:"err,omitempty"`
}

// Report lists every step of a negotiation in the order it ran.
type Report struct {
	Op       string `json:"op"`
	Steps    []Step `json:"steps"`
	Accepted string `json:"accepted,omitempty"`
}

func (r Report) Attempts() int {
	n := 0
	for _, s := range r.Steps {
		if !s.Skipped {
			n++
		}
	}
	return n
}
