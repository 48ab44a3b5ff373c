package cmd

import (
	"log"

	"github.com/MiraBellierr/jasmine/jasmine"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Jasmine bot and diagnostics API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := jasmine.New(cfg)
			if err != nil {
				log.Fatalf("error creating jasmine: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running jasmine: %s", err.Error())
			}
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
