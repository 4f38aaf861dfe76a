package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "adbtool",
	Short: "Minimal ADB wire-protocol client for connecting, pairing, and opening streams",
}

func main() {
	rootCmd.AddCommand(connectCmd, pairCmd, shellCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute root command")
	}
}
