package palapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalID(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"76561198000000001":         "steam_76561198000000001",
		" steam_76561198000000001 ": "steam_76561198000000001",
		"pc:76561198000000001/eu":   "steam_76561198000000001",
		// Longer digit runs are not SteamIDs.
		"176561198000000001":  "176561198000000001",
		"765611980000000012":  "765611980000000012",
		"9976561198000000001": "9976561198000000001",
		"1A2B":                "1A2B",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalID(in), in)
	}
}

func TestIdentitySkipsEmbeddedDigitRuns(t *testing.T) {
	t.Parallel()
	body := `{"players":[{"name":"Eve","userId":"1765611980000000019","playerId":"P-9"}]}`
	players := coercePlayers(decodeLoose([]byte(body)))
	require.Len(t, players, 1)
	assert.Equal(t, "1765611980000000019", players[0].ID)
}
