package admission

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/testpulse/testpulse/internal/platform/env"
)

type Config struct {
	DefaultEstimate time.Duration
	LaunchTimeout   time.Duration
	StoreTimeout    time.Duration
	ArchiveTimeout  time.Duration
	ReportBaseURL   string
}

func ConfigFromEnv() (Config, error) {
	defaultEstimate, err := env.Duration("TESTPULSE_DEFAULT_ESTIMATE", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	launchTimeout, err := env.Duration("TESTPULSE_LAUNCH_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	storeTimeout, err := env.Duration("TESTPULSE_STORE_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	archiveTimeout, err := env.Duration("TESTPULSE_ARCHIVE_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		DefaultEstimate: defaultEstimate,
		LaunchTimeout:   launchTimeout,
		StoreTimeout:    storeTimeout,
		ArchiveTimeout:  archiveTimeout,
		ReportBaseURL:   env.String("TESTPULSE_REPORT_BASE_URL", "http://localhost:8080"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DefaultEstimate <= 0 {
		return errors.New("TESTPULSE_DEFAULT_ESTIMATE must be positive")
	}
	if c.LaunchTimeout <= 0 {
		return errors.New("TESTPULSE_LAUNCH_TIMEOUT must be positive")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("TESTPULSE_STORE_TIMEOUT must be positive")
	}
	if c.ArchiveTimeout <= 0 {
		return errors.New("TESTPULSE_ARCHIVE_TIMEOUT must be positive")
	}
	u, err := url.Parse(strings.TrimSpace(c.ReportBaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("TESTPULSE_REPORT_BASE_URL must be an absolute URL")
	}
	return nil
}

func (c Config) reportURL(runID string) string {
	return strings.TrimRight(strings.TrimSpace(c.ReportBaseURL), "/") + "/api/runs/" + url.PathEscape(runID)
}
