package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gosuda/goadb/adb"
	"github.com/gosuda/goadb/core/credentials"
)

var flagDestination string

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open a logical stream against a destination and pipe it to stdio",
	RunE:  runShell,
}

func init() {
	flags := shellCmd.Flags()
	flags.StringVar(&flagHost, "host", "127.0.0.1", "adbd host")
	flags.IntVar(&flagPort, "port", 5555, "adbd TCP port")
	flags.StringVar(&flagDeviceName, "device-name", "adbtool", "identity suffix attached to the public key blob")
	flags.StringVar(&flagDestination, "destination", "shell:", "stream destination string (e.g. shell:, shell:ls -la, tcp:8080)")
}

func runShell(cmd *cobra.Command, args []string) error {
	cred, err := credentials.Generate(flagDeviceName)
	if err != nil {
		return err
	}

	mgr := adb.NewConnectionManager(cred, adb.WithDeviceName(flagDeviceName))
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := mgr.Connect(ctx, flagHost, flagPort); err != nil {
		return err
	}

	stream, err := mgr.OpenStream(flagDestination)
	if err != nil {
		return err
	}
	defer stream.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(os.Stdout, stream)
		close(done)
	}()
	io.Copy(stream, os.Stdin)
	<-done
	return nil
}
