package control

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode"

	"palctl/pkg/logx"
	"palctl/pkg/systemdmanager"
)

// Relauncher starts the server again after a shutdown. It does not wait for
// or verify the started process.
type Relauncher interface {
	Relaunch(ctx context.Context, s Settings) (string, error)
}

var errNoRelaunch = errors.New("no relaunch configured")

// SystemRelauncher runs restart.relaunch_command, or starts
// restart.relaunch_unit over the systemd D-Bus API.
type SystemRelauncher struct {
	Log logx.Logger
}

func (r SystemRelauncher) Relaunch(ctx context.Context, s Settings) (string, error) {
	switch {
	case s.RelaunchUnit != "":
		return r.startUnit(ctx, s.RelaunchUnit)
	case s.RelaunchCommand != "":
		name, args := commandFor(s.RelaunchCommand)
		cmd := exec.Command(name, args...)
		if dir := filepath.Dir(firstField(s.RelaunchCommand)); filepath.IsAbs(dir) {
			cmd.Dir = dir
		}
		if err := cmd.Start(); err != nil {
			return "", fmt.Errorf("start %s: %w", name, err)
		}
		// reap; the exit status is not inspected
		go func() { _ = cmd.Wait() }()
		return fmt.Sprintf("%s (pid %d)", strings.Join(cmd.Args, " "), cmd.Process.Pid), nil
	default:
		return "", errNoRelaunch
	}
}

func (r SystemRelauncher) startUnit(ctx context.Context, unit string) (string, error) {
	m, err := systemdmanager.NewContext(ctx)
	if err != nil {
		return "", err
	}
	defer m.Close()
	if err := m.Start(ctx, unit); err != nil {
		return "", err
	}
	name := systemdmanager.UnitName(unit)
	if st, err := m.Status(ctx, unit); err == nil && !r.Log.IsZero() {
		r.Log.Info("relaunch unit queued", logx.String("unit", name), logx.String("active", st.Active), logx.String("sub", st.SubState))
	}
	return "systemd unit " + name, nil
}

// commandFor picks the interpreter from the extension of the command's first
// field: .bat/.cmd through cmd /C, .ps1 through powershell -File, .sh through
// sh. Anything else is executed directly.
func commandFor(line string) (string, []string) {
	line = strings.TrimSpace(line)
	fields := splitCommand(line)
	if len(fields) == 0 {
		return "", nil
	}
	path, rest := fields[0], fields[1:]
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bat", ".cmd":
		return "cmd", []string{"/C", line}
	case ".ps1":
		return "powershell", append([]string{"-NoProfile", "-ExecutionPolicy", "Bypass", "-File", path}, rest...)
	case ".sh":
		return "sh", append([]string{path}, rest...)
	default:
		return path, rest
	}
}

func firstField(line string) string {
	if f := splitCommand(line); len(f) > 0 {
		return f[0]
	}
	return ""
}

// splitCommand splits on whitespace; double quotes group a field.
func splitCommand(line string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote bool
		have  bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quote = !quote
			have = true
		case unicode.IsSpace(r) && !quote:
			if have {
				out = append(out, cur.String())
				cur.Reset()
				have = false
			}
		default:
			cur.WriteRune(r)
			have = true
		}
	}
	if have {
		out = append(out, cur.String())
	}
	return out
}
