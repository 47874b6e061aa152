package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/internal/store/pg"
	"github.com/parleyhq/parley/internal/upgrade"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, knowledge tree, and database connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := false
			check := func(name string, err error) {
				if err != nil {
					failed = true
					fmt.Printf("✗ %s: %v\n", name, err)
					return
				}
				fmt.Printf("✓ %s\n", name)
			}

			cfg, err := config.Load(resolveConfigPath())
			check("config", err)
			if err != nil {
				return fmt.Errorf("cannot continue without config")
			}

			if cfg.LLM.APIKey == "" {
				check("llm credentials", fmt.Errorf("no API key set for provider %q", cfg.LLM.Provider))
			} else {
				check("llm credentials", nil)
			}

			idx, err := knowledge.NewIndex(cfg.Knowledge.Root)
			check("knowledge tree", err)
			if err == nil {
				fmt.Printf("  %d documents under %s\n", idx.Size(), cfg.Knowledge.Root)
			}

			enabled := 0
			for name, on := range map[string]bool{
				"telegram":  cfg.Channels.Telegram.Enabled,
				"whatsapp":  cfg.Channels.WhatsApp.Enabled,
				"instagram": cfg.Channels.Instagram.Enabled,
				"web":       cfg.Channels.Web.Enabled,
			} {
				if on {
					enabled++
					fmt.Printf("✓ channel %s enabled\n", name)
				}
			}
			if enabled == 0 {
				fmt.Println("! no channels enabled; only the HTTP inbound seam is reachable")
			}

			if cfg.Database.Persistent() {
				db, err := pg.OpenDB(cfg.Database.PostgresDSN)
				check("postgres", err)
				if err == nil {
					status, serr := upgrade.CheckSchema(db)
					check("schema version", serr)
					if serr == nil && !status.Compatible {
						failed = true
						fmt.Print(upgrade.FormatError(status))
					}
					if serr == nil && status.Compatible {
						if pending, perr := upgrade.PendingHooks(cmd.Context(), db); perr == nil && len(pending) > 0 {
							fmt.Printf("! pending data migration hooks: %s\n", strings.Join(pending, ", "))
						}
					}
					db.Close()
				}
			} else {
				fmt.Println("! PARLEY_POSTGRES_DSN not set; running on in-memory stores")
			}

			if failed {
				os.Exit(1)
			}
			return nil
		},
	}
}
