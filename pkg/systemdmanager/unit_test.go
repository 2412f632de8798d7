package systemdmanager

import "testing"

func TestUnitName(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"palworld":           "palworld.service",
		"palworld.service":   "palworld.service",
		" pal.target ":       "pal.target",
		"pal-server.v2":      "pal-server.v2.service",
		"palworld@1.service": "palworld@1.service",
	}
	for in, want := range cases {
		if got := UnitName(in); got != want {
			t.Errorf("UnitName(%q) = %q, want %q", in, got, want)
		}
	}
}
