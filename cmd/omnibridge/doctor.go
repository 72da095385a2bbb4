package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"omnibridge/internal/config"
	"omnibridge/internal/ledger"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your omnibridge installation",
		Long: `Verifies that omnibridge's configuration, credential store, traffic
ledger, and control port are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("omnibridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'omnibridge init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Credential directory exists with private permissions
			credDir := cfg.General.CredentialsDir
			if info, err := os.Stat(credDir); err != nil {
				printWarn("Credential dir", fmt.Sprintf("not found: %s (no channels configured yet)", credDir))
				warned++
			} else if info.Mode().Perm()&0o077 != 0 {
				printFail("Credential dir", fmt.Sprintf("%s is readable by other users (mode %o)", credDir, info.Mode().Perm()))
				failed++
			} else {
				printPass("Credential dir", credDir)
				passed++
			}

			// 4. Per-channel credential presence
			for _, name := range channelOrder {
				cc, ok := cfg.Channels[name]
				if !ok || !cc.Enabled {
					continue
				}
				if name == "webchat" {
					printPass("Channel: webchat", "no credentials needed")
					passed++
					continue
				}
				blobPath := filepath.Join(credDir, name+".json")
				if _, err := os.Stat(blobPath); err != nil {
					printWarn("Channel: "+name, "enabled but no credentials on file")
					warned++
				} else {
					printPass("Channel: "+name, "credentials present")
					passed++
				}
			}

			// 5. Traffic ledger opens and reports
			if cfg.Ledger.Enabled {
				if counts, err := checkLedger(cfg.Ledger.DBPath); err != nil {
					printFail("Traffic ledger", err.Error())
					failed++
				} else {
					detail := cfg.Ledger.DBPath
					if len(counts) > 0 {
						detail = fmt.Sprintf("%s (%d channels seen)", cfg.Ledger.DBPath, len(counts))
					}
					printPass("Traffic ledger", detail)
					passed++
				}
			} else {
				printWarn("Traffic ledger", "disabled")
				warned++
			}

			// 6. Control port free
			addr := fmt.Sprintf("%s:%d", cfg.Control.Host, cfg.Control.Port)
			if ln, err := net.Listen("tcp", addr); err != nil {
				printWarn("Control port", fmt.Sprintf("%s busy (gateway already running?)", addr))
				warned++
			} else {
				ln.Close()
				printPass("Control port", addr)
				passed++
			}

			fmt.Printf("\n%d passed, %d failed, %d warnings\n", passed, failed, warned)
			return nil
		},
	}
}

// checkLedger opens the database read/write and pulls per-channel totals.
func checkLedger(dbPath string) (map[string]int64, error) {
	l, err := ledger.Open(dbPath, logger)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.ChannelCounts(ctx)
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}
func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}
func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
