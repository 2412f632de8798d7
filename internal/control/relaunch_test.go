package control

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		line string
		name string
		args []string
	}{
		{`C:\srv\start.bat`, "cmd", []string{"/C", `C:\srv\start.bat`}},
		{`start.CMD -fast`, "cmd", []string{"/C", "start.CMD -fast"}},
		{`"C:\My Server\run.ps1" -port 8211`, "powershell", []string{"-NoProfile", "-ExecutionPolicy", "Bypass", "-File", `C:\My Server\run.ps1`, "-port", "8211"}},
		{"/opt/pal/start.sh -useperfthreads", "sh", []string{"/opt/pal/start.sh", "-useperfthreads"}},
		{"/opt/pal/PalServer -port=8211", "/opt/pal/PalServer", []string{"-port=8211"}},
		{"   ", "", nil},
	}
	for _, tc := range cases {
		name, args := commandFor(tc.line)
		assert.Equal(t, tc.name, name, tc.line)
		assert.Equal(t, tc.args, args, tc.line)
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"a", "b c", "d"}, splitCommand(`a "b c"  d`))
	assert.Equal(t, []string{""}, splitCommand(`""`))
	assert.Empty(t, splitCommand(""))
}

func TestRelaunchWithoutConfiguration(t *testing.T) {
	t.Parallel()
	_, err := SystemRelauncher{}.Relaunch(context.Background(), Settings{})
	assert.True(t, errors.Is(err, errNoRelaunch))
}
