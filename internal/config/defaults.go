package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:                "info",
			LogFormat:               "text",
			MaxConcurrentExecutions: 8,
		},
		Policy: PolicyConfig{
			DefaultTimeoutSeconds: 300,
		},
		Approval: ApprovalConfig{
			TTLSeconds:           300,
			SweepIntervalSeconds: 30,
			RetentionSeconds:     3600,
		},
		Executor: ExecutorConfig{
			GraceSeconds:   5,
			MaxOutputBytes: 1 << 20,
		},
		Audit: AuditConfig{
			WindowSize:    1000,
			RedactSecrets: true,
			Sinks: []SinkConfig{
				{Type: SinkSQLite, Path: "~/.cmdgate/audit.db"},
			},
		},
		API: APIConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8790,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
