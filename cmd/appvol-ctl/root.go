package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"appvol/internal/audio"
	"appvol/internal/ipc"
)

const version = "0.3.0"

type rootOptions struct {
	socketPath string
	timeout    time.Duration
}

func (o *rootOptions) client() *ipc.Client {
	c := ipc.NewClient(o.socketPath)
	c.Timeout = o.timeout
	return c
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "appvol-ctl",
		Short:         "Inspect and control a running appvold",
		Long:          "appvol-ctl talks to the appvold daemon over its Unix socket to show the system and per-application volumes and to change them.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.socketPath, "socket", ipc.DefaultSocketPath(), "Unix domain socket path of the daemon")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "Timeout for one request")

	rootCmd.AddCommand(
		newStatusCmd(opts),
		newSetVolumeCmd(opts),
		newMuteCmd(opts, "mute", true),
		newMuteCmd(opts, "unmute", false),
		newWatchCmd(),
	)

	return rootCmd
}

// parseTarget reads "system" or a stream id.
func parseTarget(arg string) (audio.Target, error) {
	arg = strings.TrimSpace(arg)
	switch {
	case arg == "":
		return audio.Target{}, errors.New("target must be \"system\" or a stream id")
	case strings.EqualFold(arg, "system"):
		return audio.SystemTarget(), nil
	case strings.ContainsAny(arg, " \t"):
		return audio.Target{}, fmt.Errorf("invalid stream id %q", arg)
	default:
		return audio.StreamTarget(audio.StreamID(arg)), nil
	}
}
