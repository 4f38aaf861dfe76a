package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/goadb/adb"
	"github.com/gosuda/goadb/core/credentials"
)

var (
	flagHost       string
	flagPort       int
	flagAPILevel   int
	flagFailFast   bool
	flagDeviceName string
	flagTimeout    time.Duration
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Dial an adbd daemon and report whether the handshake completed",
	RunE:  runConnect,
}

func init() {
	defaultHost := os.Getenv("ADB_HOST")
	if defaultHost == "" {
		defaultHost = "127.0.0.1"
	}
	defaultDeviceName := os.Getenv("ADB_DEVICE_NAME")
	if defaultDeviceName == "" {
		defaultDeviceName = "adbtool"
	}

	flags := connectCmd.Flags()
	flags.StringVar(&flagHost, "host", defaultHost, "adbd host (env: ADB_HOST)")
	flags.IntVar(&flagPort, "port", 5555, "adbd TCP port")
	flags.IntVar(&flagAPILevel, "api-level", 0, "peer Android API level hint; 0 disables the check")
	flags.BoolVar(&flagFailFast, "fail-fast", os.Getenv("ADB_FAIL_FAST") == "true", "fail immediately on a second AUTH rejection instead of waiting on-device (env: ADB_FAIL_FAST)")
	flags.StringVar(&flagDeviceName, "device-name", defaultDeviceName, "identity suffix attached to the public key blob and connect banner (env: ADB_DEVICE_NAME)")
	flags.DurationVar(&flagTimeout, "timeout", 10*time.Second, "handshake timeout")
}

func runConnect(cmd *cobra.Command, args []string) error {
	logger := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	// pair and shell bind the same variables with their own defaults, so
	// restore this command's env-derived defaults for flags left unset.
	flags := cmd.Flags()
	if !flags.Changed("host") {
		flagHost = flags.Lookup("host").DefValue
	}
	if !flags.Changed("device-name") {
		flagDeviceName = flags.Lookup("device-name").DefValue
	}

	cred, err := credentials.Generate(flagDeviceName)
	if err != nil {
		return err
	}

	mgr := adb.NewConnectionManager(cred,
		adb.WithAPILevel(flagAPILevel),
		adb.WithFailFast(flagFailFast),
		adb.WithDeviceName(flagDeviceName),
		adb.WithTimeout(flagTimeout),
		adb.WithLogger(logger),
	)
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()

	ok, err := mgr.Connect(ctx, flagHost, flagPort)
	if err != nil {
		return err
	}
	if !ok {
		log.Info().Msg("already connected")
		return nil
	}
	log.Info().Bool("connected", mgr.IsConnected()).Msg("handshake complete")
	return nil
}
