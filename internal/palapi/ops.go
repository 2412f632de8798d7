package palapi

import (
	"bytes"
	"context"
	"net/url"
	"strconv"

	json "github.com/goccy/go-json"

	logx "palctl/pkg/logx"
)

const (
	contentJSON = "application/json"
	contentText = "text/plain; charset=utf-8"
)

// Duration field names tried, in order, for shutdown bodies.
var shutdownDurationKeys = []string{"waittime", "seconds", "time", "duration"}

// Identity field names tried, in order, for kick/ban/unban bodies.
var playerIDKeys = []string{"userid", "userId", "steamid", "playerId", "id"}

func (c *Client) getJSON(ctx context.Context, op, path string) (any, error) {
	v, _, err := firstSuccess(ctx, op, getPlan(c.bases, path), func(ctx context.Context, cand candidate) (any, int, error) {
		status, body, err := c.send(ctx, cand)
		if err != nil {
			return nil, status, err
		}
		return decodeLoose(body), status, nil
	})
	return v, err
}

func (c *Client) post(ctx context.Context, op string, cands []candidate) (Report, error) {
	_, rep, err := firstSuccess(ctx, op, cands, func(ctx context.Context, cand candidate) (struct{}, int, error) {
		status, _, err := c.send(ctx, cand)
		return struct{}{}, status, err
	})
	if err == nil {
		c.log.Debug("operation accepted", logx.String("op", op), logx.String("accepted", rep.Accepted), logx.Int("attempts", rep.Attempts()))
	}
	return rep, err
}

// decodeLoose parses JSON keeping numbers as json.Number. Invalid JSON yields nil.
func decodeLoose(b []byte) any {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

func jsonShape(name string, fields map[string]any) shape {
	b, _ := json.Marshal(fields)
	return shape{name: name, body: b, contentType: contentJSON}
}

// Info fetches the server summary. Fields the info route does not report
// (uptime, player counts) are filled from the metrics route when it answers.
func (c *Client) Info(ctx context.Context) (ServerInfo, error) {
	raw, err := c.getJSON(ctx, "info", "info")
	if err != nil {
		return ServerInfo{}, err
	}
	info, seen := coerceServerInfo(raw)
	if info.UptimeSeconds != nil && info.MaxPlayers != nil && seen.playerCount {
		return info, nil
	}
	m, err := c.getJSON(ctx, "metrics", "metrics")
	if err != nil {
		c.log.Debug("metrics fallback unavailable", logx.Err(err))
		return info, nil
	}
	mergeMetrics(&info, seen, m)
	return info, nil
}

// Ping reports whether the info route answers with a success status. It is
// the lightweight liveness probe used while waiting for a shutdown.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.getJSON(ctx, "ping", "info")
	return err
}

// Players fetches and normalizes the connected player list.
func (c *Client) Players(ctx context.Context) ([]Player, error) {
	raw, err := c.getJSON(ctx, "players", "players")
	if err != nil {
		return nil, err
	}
	return coercePlayers(raw), nil
}

// Save asks the server to persist the world.
func (c *Client) Save(ctx context.Context) (Report, error) {
	return c.post(ctx, "save", postPlan(c.bases, []string{"save"},
		[]shape{{name: "json {}", body: []byte("{}"), contentType: contentJSON}}, true))
}

// Shutdown requests a delayed shutdown. Body shapes differ in the name of the
// delay field; the first accepted shape wins. When every shape and the empty
// body fail, query-string and plain-text variants and finally a stop request
// are tried. The report lists every step across both rounds.
func (c *Client) Shutdown(ctx context.Context, seconds int, message string) (Report, error) {
	shapes := make([]shape, 0, len(shutdownDurationKeys))
	for _, k := range shutdownDurationKeys {
		fields := map[string]any{k: seconds}
		if message != "" {
			fields["message"] = message
		}
		shapes = append(shapes, jsonShape("json "+k, fields))
	}
	rep, err := c.post(ctx, "shutdown", postPlan(c.bases, []string{"shutdown"}, shapes, true))
	if err == nil || ctx.Err() != nil {
		return rep, err
	}
	c.log.Warn("shutdown negotiation exhausted; trying fallback variants", logx.Err(err))

	q := url.Values{"waittime": {strconv.Itoa(seconds)}}
	if message != "" {
		q.Set("message", message)
	}
	fallback := postPlan(c.bases, []string{"shutdown"}, []shape{
		{name: "query", query: q, empty: true},
		{name: "text", body: []byte(strconv.Itoa(seconds)), contentType: contentText},
	}, false)
	fallback = append(fallback, postPlan(c.bases, []string{"stop"},
		[]shape{{name: "json {}", body: []byte("{}"), contentType: contentJSON}}, false)...)

	extra, err2 := c.post(ctx, "shutdown", fallback)
	rep.Steps = append(rep.Steps, extra.Steps...)
	rep.Accepted = extra.Accepted
	if err2 == nil {
		return rep, nil
	}
	return rep, &AttemptsError{Op: "shutdown", Errs: append(unwrapAll(err), unwrapAll(err2)...)}
}

// Announce broadcasts a chat message. The announce route is tried before
// broadcast, each with a JSON body, a plain-text body and a query string.
func (c *Client) Announce(ctx context.Context, message string) (Report, error) {
	shapes := []shape{
		jsonShape("json", map[string]any{"message": message}),
		{name: "text", body: []byte(message), contentType: contentText},
		{name: "query", query: url.Values{"message": {message}}, empty: true},
	}
	return c.post(ctx, "announce", postPlan(c.bases, []string{"announce", "broadcast"}, shapes, false))
}

func (c *Client) Kick(ctx context.Context, id, message string) (Report, error) {
	return c.playerAction(ctx, "kick", []string{"kick"}, id, message)
}

func (c *Client) Ban(ctx context.Context, id, message string) (Report, error) {
	return c.playerAction(ctx, "ban", []string{"ban"}, id, message)
}

func (c *Client) Unban(ctx context.Context, id string) (Report, error) {
	return c.playerAction(ctx, "unban", []string{"unban", "pardon"}, id, "")
}

func (c *Client) playerAction(ctx context.Context, op string, paths []string, id, message string) (Report, error) {
	shapes := make([]shape, 0, len(playerIDKeys))
	for _, k := range playerIDKeys {
		fields := map[string]any{k: id}
		if message != "" {
			fields["message"] = message
		}
		shapes = append(shapes, jsonShape("json "+k, fields))
	}
	return c.post(ctx, op, postPlan(c.bases, paths, shapes, false))
}

func unwrapAll(err error) []error {
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		return u.Unwrap()
	}
	return []error{err}
}
