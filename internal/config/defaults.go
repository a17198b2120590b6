package config

// Defaults returns the built-in configuration tree used when no config file
// is available. Sections mirror the recognized top-level keys; unknown keys in
// a user file are preserved untouched.
func Defaults() map[string]any {
	return map[string]any{
		"logging": map[string]any{
			"level":        "info",
			"file":         "logs/harness.log",
			"rotation":     true,
			"max_size":     10, // MB
			"backup_count": 5,
		},
		"files": map[string]any{
			"code":       "data/evolved.go",
			"backup_dir": "backups",
			"database":   "data/harness.db",
		},
		"evolution": map[string]any{
			"cycle_interval": 2.0,
			"max_comments":   50,
		},
		"monitoring": map[string]any{
			"cpu_threshold":    80.0,
			"memory_threshold": 80.0,
			"disk_threshold":   90.0,
			"check_interval":   30,
			"alert_cooldown":   300,
		},
		"backup": map[string]any{
			"enabled":          true,
			"before_evolution": true,
			"max_backups":      10,
			"compression":      true,
			"backup_dir":       "backups",
		},
		"validation": map[string]any{
			"enabled":      true,
			"ast_check":    true,
			"syntax_check": true,
		},
		"anomaly_detection": map[string]any{
			"enabled":                 true,
			"cycle_time_threshold":    10.0,
			"memory_growth_threshold": 50.0,
			"error_rate_threshold":    0.1,
		},
	}
}
