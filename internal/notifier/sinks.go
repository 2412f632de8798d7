package notifier

import (
	"errors"
	"strings"

	"palctl/internal/config"
	"palctl/internal/transport/telegram"
	"palctl/pkg/logx"
)

// BuildSinks creates the sinks named by the notify section. A sink that
// fails to build is skipped and reported in the returned error.
func BuildSinks(nc config.NotifyConfig, log logx.Logger) ([]Sink, error) {
	var (
		out  []Sink
		errs []error
	)
	if u := strings.TrimSpace(nc.WebhookURL); u != "" {
		out = append(out, NewWebhookSink(u, nil, log.With(logx.String("sink", "webhook"))))
	}
	if strings.TrimSpace(nc.Telegram.Token) != "" {
		tg, err := telegram.New(telegram.Config{
			Token:    nc.Telegram.Token,
			ChatID:   nc.Telegram.ChatID,
			ThreadID: nc.Telegram.ThreadID,
		}, log.With(logx.String("sink", "telegram")))
		if err != nil {
			errs = append(errs, err)
		} else {
			out = append(out, tg)
		}
	}
	return out, errors.Join(errs...)
}
