package session

import "github.com/parkdog/msgsync/internal/config"

const DefaultSessionName = "main"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. MSGSYNC_DEFAULT_SESSION or config.toml default_session
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Resolve(ConfigPath(), "")
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

// Config returns the effective settings for a session, reading the
// session's .env file in addition to config.toml.
func Config(name string) (*config.Config, error) {
	return config.Resolve(ConfigPath(), EnvPath(name))
}
