package app

import (
	"fmt"
	"strings"
	"time"

	"sitewatch/internal/config"
	"sitewatch/internal/fetch"
	"sitewatch/internal/notifier"
	"sitewatch/internal/observability/debugsrv"
	"sitewatch/internal/poller"
	"sitewatch/internal/storage"
	"sitewatch/internal/transport/telegram"
	"sitewatch/internal/watch"
	logx "sitewatch/pkg/logx"
)

const (
	TransportTelegram = "telegram"
	TransportConsole  = "console"
)

// Runtime is a validated config with durations parsed and defaults applied.
type Runtime struct {
	Transport      string
	Telegram       telegram.Config
	Logging        logx.Config
	CommandTimeout time.Duration
	DefaultDelay   float64
	Poller         poller.Config
	Fetch          fetch.Config
	Notifier       notifier.Config
	Storage        storage.Config
	Debug          debugsrv.Config
}

// Resolve validates cfg and maps it onto the component configs.
func Resolve(cfg *config.Config) (Runtime, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	var (
		rt  Runtime
		err error
	)

	rt.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))
	switch rt.Transport {
	case "":
		rt.Transport = TransportTelegram
	case TransportTelegram, TransportConsole:
	default:
		return Runtime{}, fmt.Errorf("unknown transport.driver: %s", cfg.Transport.Driver)
	}
	if rt.Transport == TransportTelegram && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return Runtime{}, fmt.Errorf("telegram.token is required when transport.driver=telegram")
	}

	rt.Telegram = telegram.Config{Token: cfg.Telegram.Token, APIURL: cfg.Telegram.APIURL}
	if rt.Telegram.PollTimeout, err = config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return Runtime{}, err
	}

	rt.Logging = mapLogging(cfg.Logging)

	if rt.CommandTimeout, err = config.ParseDurationOrDefault("commands.timeout", cfg.Commands.Timeout, 10*time.Second); err != nil {
		return Runtime{}, err
	}

	rt.DefaultDelay = watch.DefaultDelayMinutes
	if d := cfg.Poller.DefaultDelay; d != 0 {
		if err := watch.ValidateDelay(d); err != nil {
			return Runtime{}, fmt.Errorf("poller.default_delay: %w", err)
		}
		rt.DefaultDelay = d
	}
	if cfg.Poller.Concurrency < 0 {
		return Runtime{}, fmt.Errorf("poller.concurrency must be >= 0")
	}
	if cfg.Poller.ErrorThreshold < 0 {
		return Runtime{}, fmt.Errorf("poller.error_threshold must be >= 0")
	}
	rt.Poller = poller.Config{
		Concurrency:    cfg.Poller.Concurrency,
		NotifyOnError:  cfg.Poller.NotifyOnError,
		ErrorThreshold: cfg.Poller.ErrorThreshold,
	}

	if rt.Fetch, err = mapFetch(cfg.Fetch); err != nil {
		return Runtime{}, err
	}
	if rt.Notifier, err = mapNotifier(cfg.Notifier); err != nil {
		return Runtime{}, err
	}
	if rt.Storage, err = mapStorage(cfg.Storage); err != nil {
		return Runtime{}, err
	}
	if rt.Debug, err = mapDebug(cfg.Debug); err != nil {
		return Runtime{}, err
	}
	return rt, nil
}

func mapLogging(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}

func mapFetch(fc config.FetchConfig) (fetch.Config, error) {
	out := fetch.Config{UserAgent: fc.UserAgent, MaxBytes: fc.MaxBytes}
	switch m := strings.ToLower(strings.TrimSpace(fc.Mode)); m {
	case "", fetch.ModeRaw:
		out.Mode = fetch.ModeRaw
	case fetch.ModeText:
		out.Mode = fetch.ModeText
	default:
		return fetch.Config{}, fmt.Errorf("unknown fetch.mode: %s", fc.Mode)
	}
	if fc.MaxBytes < 0 {
		return fetch.Config{}, fmt.Errorf("fetch.max_bytes must be >= 0")
	}
	var err error
	out.Timeout, err = config.ParseDurationOrDefault("fetch.timeout", fc.Timeout, fetch.DefaultTimeout)
	return out, err
}

// mapNotifier leaves zero values for the notifier to default.
func mapNotifier(nc *config.NotifierConfig) (notifier.Config, error) {
	if nc == nil {
		return notifier.Config{}, nil
	}
	switch {
	case nc.Workers < 0:
		return notifier.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	case nc.QueueSize < 0:
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	case nc.RatePerSec < 0:
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	case nc.RetryMax < 0:
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	}
	out := notifier.Config{
		Workers:    nc.Workers,
		QueueSize:  nc.QueueSize,
		RatePerSec: nc.RatePerSec,
		RetryMax:   nc.RetryMax,
		Text:       nc.Text,
		IncludeURL: nc.IncludeURL,
	}
	var err error
	if out.RetryBase, err = config.ParseDuration("notifier.retry_base", nc.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDuration("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDuration("notifier.send_timeout", nc.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

// mapStorage returns a zero Config (storage disabled) when the section is absent.
func mapStorage(sc *config.StorageConfig) (storage.Config, error) {
	if sc == nil {
		return storage.Config{}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, nil
	case "file":
		if sc.CompactEvery < 0 {
			return storage.Config{}, fmt.Errorf("storage.compact_every must be >= 0")
		}
		if path == "" {
			path = "./data/sitewatch"
		}
		return storage.Config{Driver: driver, Path: path, CompactEvery: sc.CompactEvery}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDebug(dc config.DebugConfig) (debugsrv.Config, error) {
	out := debugsrv.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 10*time.Second); err != nil {
		return debugsrv.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDuration("debug.write_timeout", dc.WriteTimeout); err != nil {
		return debugsrv.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 60*time.Second); err != nil {
		return debugsrv.Config{}, err
	}
	if err := out.Validate(); err != nil {
		return debugsrv.Config{}, fmt.Errorf("debug: %w", err)
	}
	return out, nil
}
