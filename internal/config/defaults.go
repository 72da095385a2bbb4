package config

// knownChannels is the closed set of channel ids the gateway can construct.
var knownChannels = map[string]bool{
	"telegram": true,
	"slack":    true,
	"discord":  true,
	"signal":   true,
	"matrix":   true,
	"teams":    true,
	"whatsapp": true,
	"imessage": true,
	"webchat":  true,
}

// Defaults returns a ready-to-use config. Paths are already expanded so the
// result is usable directly, not only as a base for Load.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:      ExpandPath("~/.omnibridge/workspace"),
			LogLevel:       "info",
			CredentialsDir: ExpandPath("~/.omnibridge/credentials"),
		},
		Channels: map[string]ChannelConfig{
			"telegram": {Enabled: false, DefaultDomain: "social"},
			"slack":    {Enabled: false, DefaultDomain: "productivity"},
			"discord":  {Enabled: false, DefaultDomain: "entertainment"},
			"signal":   {Enabled: false, DefaultDomain: "social"},
			"matrix":   {Enabled: false, DefaultDomain: "social"},
			"teams":    {Enabled: false, DefaultDomain: "productivity"},
			"whatsapp": {Enabled: false, DefaultDomain: "social"},
			"imessage": {Enabled: false, DefaultDomain: "social"},
			"webchat":  {Enabled: true, DefaultDomain: "system"},
		},
		Control: ControlConfig{
			Host: "127.0.0.1",
			Port: 8790,
		},
		Ledger: LedgerConfig{
			Enabled:       true,
			DBPath:        ExpandPath("~/.omnibridge/traffic.db"),
			RetentionDays: 30,
		},
		Session: SessionConfig{
			PruneAfterMinutes: 720,
		},
	}
}
