package library

import (
	"go.uber.org/zap"

	"library-lending/cache"
	"library-lending/config"
	"library-lending/queue"
	"library-lending/session"
)

// ConfigOptions turns loaded settings into manager options. Sessions are
// only built when withSessions is set, so tools that never issue tokens run
// without a secret.
func ConfigOptions(cfg config.Config, logger *zap.Logger, withSessions bool) ([]Option, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []Option{
		WithLogger(logger),
		WithOrgDomain(cfg.OrgDomain),
		WithCache(cache.New(cache.NewMemoryBackend(cfg.Cache.Size, cfg.Cache.TTL), cache.WithLogger(logger))),
		WithQueueOptions(queue.Options{
			Workers:      cfg.Queue.Workers,
			MaxAttempts:  cfg.Queue.MaxAttempts,
			BaseBackoff:  cfg.Queue.BaseBackoff,
			MaxBackoff:   cfg.Queue.MaxBackoff,
			PollInterval: cfg.Queue.PollInterval,
			JobTimeout:   cfg.Queue.JobTimeout,
			Lease:        cfg.Queue.Lease,
		}),
	}
	if cfg.NamesOptional {
		opts = append(opts, WithOptionalNames())
	}
	if withSessions {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		sessions, err := session.New([]byte(cfg.Session.Secret),
			cache.NewMemoryBackend(0, cfg.Session.TTL),
			session.WithTTL(cfg.Session.TTL), session.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithSessions(sessions))
	}
	return opts, nil
}
