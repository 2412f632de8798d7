package control

import (
	"context"
	"time"

	"palctl/internal/archive"
	"palctl/internal/config"
	"palctl/internal/notifier"
	"palctl/internal/palapi"
	"palctl/pkg/logx"
)

// Peer is the remote control API as seen by loops and commands.
// *palapi.Client implements it.
type Peer interface {
	Info(ctx context.Context) (palapi.ServerInfo, error)
	Players(ctx context.Context) ([]palapi.Player, error)
	Ping(ctx context.Context) error
	Save(ctx context.Context) (palapi.Report, error)
	Shutdown(ctx context.Context, seconds int, message string) (palapi.Report, error)
	Announce(ctx context.Context, message string) (palapi.Report, error)
	Kick(ctx context.Context, id, message string) (palapi.Report, error)
	Ban(ctx context.Context, id, message string) (palapi.Report, error)
	Unban(ctx context.Context, id string) (palapi.Report, error)
}

// PeerFactory builds a Peer from the server section. A failure is a
// configuration error.
type PeerFactory func(sc config.ServerConfig, log logx.Logger) (Peer, error)

// PalAPIPeers builds *palapi.Client peers.
func PalAPIPeers(sc config.ServerConfig, log logx.Logger) (Peer, error) {
	timeout, err := config.ParseDuration("server.timeout", sc.Timeout)
	if err != nil {
		return nil, err
	}
	return palapi.New(palapi.Options{
		BaseURL:  sc.BaseURL,
		Password: sc.Password,
		Timeout:  timeout,
		Logger:   log,
	})
}

// Notifier delivers operator messages best-effort. *notifier.Service implements it.
type Notifier interface {
	Notify(ctx context.Context, text string, sev notifier.Severity) error
}

// Archiver snapshots the save directory and prunes old snapshots.
type Archiver interface {
	Archive(ctx context.Context, src, dst, prefix string) (string, error)
	Prune(dir, prefix string, retention time.Duration, now time.Time) ([]string, error)
}

type zipArchiver struct{ now func() time.Time }

// ZipArchiver returns the default Archiver, stamping names with now.
func ZipArchiver(now func() time.Time) Archiver { return zipArchiver{now: now} }

func (z zipArchiver) Archive(ctx context.Context, src, dst, prefix string) (string, error) {
	return archive.ZipArchiver{Prefix: prefix, Now: z.now}.Archive(ctx, src, dst)
}

func (z zipArchiver) Prune(dir, prefix string, retention time.Duration, now time.Time) ([]string, error) {
	return archive.Prune(dir, prefix, retention, now)
}
