package config

// Default returns the baseline configuration before any file overrides.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: "~/.local/share/gantry/staging",
			LogDir:     "~/.local/share/gantry/logs",
			DataDir:    "~/.local/share/gantry",
		},
		Workflow: Workflow{
			QueuePollInterval:  5,
			ErrorRetryInterval: 60,
			ApprovalRequired:   true,
			CallTimeout:        120,
		},
		Logging: Logging{
			Format: "auto",
			Level:  "info",
		},
		Resilience: Resilience{
			BreakerMaxFailures: 3,
			BreakerOpenSeconds: 60,
			RetryMaxRetries:    3,
			RetryBaseDelayMS:   1000,
			RetryMaxDelayMS:    30000,
			RetryBackoffBase:   2,
			RatePerSecond:      1,
			RateBurst:          5,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			Approvals:      true,
			Uploads:        true,
			Errors:         true,
		},
		Scanner: Scanner{
			AllowedExtensions: []string{".mkv", ".mp4", ".avi", ".m2ts"},
			MinFreeMiB:        1024,
		},
		Destinations: Destinations{
			Sites: map[string]Destination{},
		},
	}
}
