package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"omnibridge/internal/config"
	"omnibridge/internal/credential"

	"github.com/spf13/cobra"
)

// credField is one prompted credential field for a channel.
type credField struct {
	Key    string
	Prompt string
	// List fields are comma-separated and stored as JSON arrays.
	List     bool
	Optional bool
}

var channelCredFields = map[string][]credField{
	"telegram": {
		{Key: "token", Prompt: "Bot token (from @BotFather)"},
		{Key: "allowFrom", Prompt: "Allowed user IDs (comma-separated, empty = allow all)", List: true, Optional: true},
		{Key: "parseMode", Prompt: "Parse mode (Markdown/HTML, empty = Markdown)", Optional: true},
	},
	"slack": {
		{Key: "botToken", Prompt: "Bot token (xoxb-…)"},
		{Key: "appToken", Prompt: "App-level token for Socket Mode (xapp-…)"},
	},
	"discord": {
		{Key: "token", Prompt: "Bot token"},
		{Key: "guildId", Prompt: "Guild ID to restrict to (empty = all guilds)", Optional: true},
	},
	"signal": {
		{Key: "phoneNumber", Prompt: "Registered phone number (+…)"},
		{Key: "cliPath", Prompt: "Path to signal-cli (empty = use PATH)", Optional: true},
	},
	"matrix": {
		{Key: "homeserverUrl", Prompt: "Homeserver URL (https://matrix.example.org)"},
		{Key: "accessToken", Prompt: "Access token"},
		{Key: "userId", Prompt: "User ID (@bot:example.org)"},
	},
	"teams": {
		{Key: "webhookUrl", Prompt: "Incoming webhook URL"},
	},
	"whatsapp": {
		{Key: "bridgeUrl", Prompt: "Bridge websocket URL (ws://…)"},
	},
	"imessage": {
		{Key: "serverUrl", Prompt: "Mac relay URL (http://…)"},
		{Key: "sharedSecret", Prompt: "Shared secret"},
	},
}

func configureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Configure channels",
	}
	cmd.AddCommand(configureChannelsCmd())
	return cmd
}

func configureChannelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels <name>",
		Short: "Interactively store a channel's credentials and enable it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.ToLower(args[0])
			if name == "webchat" {
				fmt.Println("webchat needs no credentials; enable it in the config file.")
				return nil
			}
			fields, ok := channelCredFields[name]
			if !ok {
				return fmt.Errorf("unknown channel: %s", name)
			}

			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}

			fmt.Printf("Configuring %s\n\n", name)
			reader := bufio.NewReader(os.Stdin)
			blob := make(map[string]any)
			for _, f := range fields {
				fmt.Printf("  %s: ", f.Prompt)
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("read input: %w", err)
				}
				val := strings.TrimSpace(line)
				if val == "" {
					if f.Optional {
						continue
					}
					return fmt.Errorf("%s is required", f.Key)
				}
				if f.List {
					parts := strings.Split(val, ",")
					for i := range parts {
						parts[i] = strings.TrimSpace(parts[i])
					}
					blob[f.Key] = parts
				} else {
					blob[f.Key] = val
				}
			}

			data, err := json.MarshalIndent(blob, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal credentials: %w", err)
			}
			store := credential.NewFileStore(cfg.General.CredentialsDir)
			if err := store.Save(name, data); err != nil {
				return fmt.Errorf("save credentials: %w", err)
			}

			if cfg.Channels == nil {
				cfg.Channels = make(map[string]config.ChannelConfig)
			}
			cc := cfg.Channels[name]
			cc.Enabled = true
			if cc.DefaultDomain == "" {
				cc.DefaultDomain = config.Defaults().Channels[name].DefaultDomain
			}
			cfg.Channels[name] = cc
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("\n%s configured and enabled. Restart 'omnibridge run' to pick it up.\n", name)
			return nil
		},
	}
}
