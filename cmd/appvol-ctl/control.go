package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"appvol/internal/audio"
	"appvol/internal/parser"
	"appvol/internal/soundserver"
)

func newSetVolumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-volume TARGET LEVEL",
		Short: "Set the volume of the system or of one stream",
		Long:  "TARGET is \"system\" or a stream id as shown by status. LEVEL is a fraction (0.4) or a percentage (40%).",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			level, err := parser.ParseLevel(args[1])
			if err != nil {
				return err
			}
			view, err := opts.client().SetVolume(cmd.Context(), target, level)
			if err != nil {
				return err
			}
			return printTargetLine(cmd, view, target)
		},
	}
}

func newMuteCmd(opts *rootOptions, use string, muted bool) *cobra.Command {
	short := "Mute the system or one stream"
	if !muted {
		short = "Unmute the system or one stream"
	}
	return &cobra.Command{
		Use:   use + " TARGET",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			view, err := opts.client().SetMute(cmd.Context(), target, muted)
			if err != nil {
				return err
			}
			return printTargetLine(cmd, view, target)
		},
	}
}

// printTargetLine prints the target's state as the daemon now reports it.
func printTargetLine(cmd *cobra.Command, view audio.View, target audio.Target) error {
	if target.System {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "system %s%s\n",
			soundserver.FormatPercent(view.System.Volume), mutedSuffix(view.System.Muted))
		return err
	}
	for _, s := range view.Streams {
		if s.ID == target.ID {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) %s%s\n",
				s.Name, s.ID, soundserver.FormatPercent(s.Volume), mutedSuffix(s.Muted))
			return err
		}
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return err
}

func mutedSuffix(muted bool) string {
	if muted {
		return " [muted]"
	}
	return ""
}
