package session

import (
	"context"

	"github.com/pkg/errors"

	"zecret/api"
	"zecret/config"
	"zecret/models"
	"zecret/push"
	"zecret/storage"
)

// Connect wires a started session from cfg: the HTTP persistence client,
// the WebSocket push channel and, when cfg.ArchivePath is set, the SQLite
// sent archive. Stop releases all of them.
func Connect(ctx context.Context, cfg *config.Config, creds models.Credentials, notifier Notifier) (*Session, error) {
	if cfg == nil {
		return nil, errors.New("session: config is required")
	}
	logger := cfg.NewLogger()

	client, err := api.NewHTTPClient(api.HTTPOptions{
		BaseURL:           cfg.APIBaseURL,
		Token:             creds.Token,
		RequestTimeout:    cfg.RequestTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	var archive *storage.Store
	if cfg.ArchivePath != "" {
		archive, err = storage.OpenPath(cfg.ArchivePath)
		if err != nil {
			return nil, errors.Wrap(err, "session: open archive")
		}
	}

	channel, err := push.Dial(ctx, push.Options{
		URL:    cfg.PushURL,
		Token:  creds.Token,
		Logger: logger,
	})
	if err != nil {
		if archive != nil {
			_ = archive.Close()
		}
		return nil, err
	}

	opts := Options{
		Credentials:      creds,
		API:              client,
		Push:             channel,
		Notifier:         notifier,
		Logger:           logger,
		PageSize:         cfg.PageSize,
		PresenceInterval: cfg.PresenceInterval,
	}
	opts.Dedup.TimestampPrefix = cfg.TimestampPrefix
	if archive != nil {
		opts.Archive = archive
	}

	s, err := New(opts)
	if err != nil {
		_ = channel.Close()
		if archive != nil {
			_ = archive.Close()
		}
		return nil, err
	}
	if archive != nil {
		s.closers = append(s.closers, archive.Close)
	}
	s.Start()
	return s, nil
}
