package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/switchboard/cmd/switchboard/cmds"
	"github.com/go-go-golems/switchboard/cmd/switchboard/cmds/tokens"
)

func main() {
	var logFlags cmds.LogFlags
	rootCmd := &cobra.Command{
		Use:          "switchboard",
		Short:        "switchboard streams LLM replies to every live connection of a user",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// reinitialize the logger once --log-level and co are parsed
			return cmds.InitLogger(logFlags.Level, logFlags.Format)
		},
	}
	logFlags.AddTo(rootCmd)

	rootCmd.AddCommand(cmds.NewServeCommand(&logFlags))
	rootCmd.AddCommand(cmds.NewTokenCommand())
	rootCmd.AddCommand(tokens.NewTokensCommand())

	cobra.CheckErr(rootCmd.Execute())
}
