package config

import (
	"strings"
)

// normalize expands paths and fills zero values with defaults so validation
// only ever sees complete settings.
func (c *Config) normalize() error {
	var err error
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return err
	}

	defaults := Default()
	if c.Workflow.QueuePollInterval <= 0 {
		c.Workflow.QueuePollInterval = defaults.Workflow.QueuePollInterval
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = defaults.Workflow.ErrorRetryInterval
	}
	if c.Workflow.CallTimeout <= 0 {
		c.Workflow.CallTimeout = defaults.Workflow.CallTimeout
	}

	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = defaults.Logging.Format
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaults.Logging.Level
	}

	r := &c.Resilience
	rd := defaults.Resilience
	if r.BreakerMaxFailures <= 0 {
		r.BreakerMaxFailures = rd.BreakerMaxFailures
	}
	if r.BreakerOpenSeconds <= 0 {
		r.BreakerOpenSeconds = rd.BreakerOpenSeconds
	}
	if r.RetryMaxRetries < 0 {
		r.RetryMaxRetries = rd.RetryMaxRetries
	}
	if r.RetryBaseDelayMS <= 0 {
		r.RetryBaseDelayMS = rd.RetryBaseDelayMS
	}
	if r.RetryMaxDelayMS <= 0 {
		r.RetryMaxDelayMS = rd.RetryMaxDelayMS
	}
	if r.RetryBackoffBase <= 1 {
		r.RetryBackoffBase = rd.RetryBackoffBase
	}
	if r.RatePerSecond <= 0 {
		r.RatePerSecond = rd.RatePerSecond
	}
	if r.RateBurst <= 0 {
		r.RateBurst = rd.RateBurst
	}

	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaults.Notifications.RequestTimeout
	}

	if len(c.Scanner.AllowedExtensions) == 0 {
		c.Scanner.AllowedExtensions = defaults.Scanner.AllowedExtensions
	}
	normalized := make([]string, 0, len(c.Scanner.AllowedExtensions))
	for _, ext := range c.Scanner.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	c.Scanner.AllowedExtensions = normalized
	if c.Scanner.MinFreeMiB <= 0 {
		c.Scanner.MinFreeMiB = defaults.Scanner.MinFreeMiB
	}

	if c.Destinations.Sites == nil {
		c.Destinations.Sites = map[string]Destination{}
	}
	for key, site := range c.Destinations.Sites {
		site.BaseURL = strings.TrimRight(strings.TrimSpace(site.BaseURL), "/")
		site.APIKey = strings.TrimSpace(site.APIKey)
		if site.RatePerSecond <= 0 {
			site.RatePerSecond = r.RatePerSecond
		}
		if site.RateBurst <= 0 {
			site.RateBurst = r.RateBurst
		}
		if site.SizeTolerancePercent < 0 {
			site.SizeTolerancePercent = 0
		}
		c.Destinations.Sites[key] = site
	}

	return nil
}
