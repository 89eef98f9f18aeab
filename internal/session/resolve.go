package session

import "github.com/matheus3301/chatsync/internal/config"

const DefaultProfile = "main"

// Resolve determines the active profile using precedence:
// 1. flagOverride (--profile flag)
// 2. config.toml profile
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.Profile != "" {
		return cfg.Profile
	}
	return DefaultProfile
}
