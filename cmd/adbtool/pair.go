package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/goadb/adb"
	"github.com/gosuda/goadb/core/credentials"
)

var flagPairCode string

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Run the six-digit-code wireless pairing handshake against a pairing port",
	RunE:  runPair,
}

func init() {
	flags := pairCmd.Flags()
	flags.StringVar(&flagHost, "host", "127.0.0.1", "pairing service host")
	flags.IntVar(&flagPort, "port", 0, "pairing service TCP port")
	flags.StringVar(&flagPairCode, "code", "", "six-digit pairing passcode shown on the device")
	flags.StringVar(&flagDeviceName, "device-name", "adbtool", "identity suffix attached to the public key blob")
	flags.DurationVar(&flagTimeout, "timeout", 10*time.Second, "pairing timeout")
	pairCmd.MarkFlagRequired("code")
	pairCmd.MarkFlagRequired("port")
}

func runPair(cmd *cobra.Command, args []string) error {
	cred, err := credentials.Generate(flagDeviceName)
	if err != nil {
		return err
	}

	mgr := adb.NewConnectionManager(cred, adb.WithTimeout(flagTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()

	peer, err := mgr.Pair(ctx, flagHost, flagPort, flagPairCode)
	if err != nil {
		return err
	}
	log.Info().Int("peer_key_blob_bytes", len(peer.PublicKeyBlob)).Msg("pairing complete")
	return nil
}
