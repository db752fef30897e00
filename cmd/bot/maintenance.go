// cmd/bot/maintenance.go
package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Overwrite the application's slash commands and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close(cfg.ShutdownTimeout)

		session, err := a.newSession(cmd.Context())
		if err != nil {
			return err
		}
		if cfg.Discord.ApplicationID == "" {
			if err := session.Open(); err != nil {
				return fmt.Errorf("error opening discord connection: %w", err)
			}
			defer session.Close()
		}

		created, err := a.newBot(session).RegisterCommands()
		if err != nil {
			return err
		}
		for _, c := range created {
			fmt.Fprintf(cmd.OutOrStdout(), "/%s\t%s\n", c.Name, c.ID)
		}
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete durable conversation contexts older than context.max_age and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.PurgeContexts(cmd.Context(), time.Now().UTC().Add(-cfg.Context.MaxAge))
		if err != nil {
			return fmt.Errorf("failed to purge contexts: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d contexts\n", n)
		return nil
	},
}
