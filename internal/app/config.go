package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ConfigPath string // orchestration .hcl file
	WorkDir    string // session artifacts and markers
	Scope      string // overrides the config file's scope when set

	LogFormat     string
	LogLevel      string
	MaxIterations int // overrides the config file's limit when positive
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		return nil, errors.New("ConfigPath is a required configuration field and cannot be empty")
	}
	if cfg.WorkDir == "" {
		return nil, errors.New("WorkDir is a required configuration field and cannot be empty")
	}

	return &cfg, nil
}
