package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate confirms the normalized configuration is internally consistent.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		problems = append(problems, "paths.staging_dir must be set")
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		problems = append(problems, "paths.data_dir must be set")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "auto", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not one of auto, console, json", c.Logging.Format))
	}

	if c.Resilience.RetryMaxDelayMS < c.Resilience.RetryBaseDelayMS {
		problems = append(problems, "resilience.retry_max_delay_ms must be >= retry_base_delay_ms")
	}

	for key, site := range c.Destinations.Sites {
		if !site.Enabled {
			continue
		}
		if site.BaseURL == "" {
			problems = append(problems, fmt.Sprintf("destinations.sites.%s.base_url must be set when enabled", key))
			continue
		}
		parsed, err := url.Parse(site.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			problems = append(problems, fmt.Sprintf("destinations.sites.%s.base_url %q is not a valid URL", key, site.BaseURL))
		}
		if site.APIKey == "" {
			problems = append(problems, fmt.Sprintf("destinations.sites.%s.api_key must be set when enabled", key))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
