package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"appvol/internal/audio"
	"appvol/internal/ipc"
	"appvol/internal/soundserver"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the system volume, every stream and the daemon's poll health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := opts.client()
			view, err := client.State(cmd.Context())
			if err != nil {
				return err
			}
			daemon, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					State  audio.View       `json:"state"`
					Daemon ipc.DaemonStatus `json:"daemon"`
				}{view, daemon})
			}

			renderState(cmd.OutOrStdout(), view)
			return writeDaemonSummary(cmd.OutOrStdout(), daemon)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print state and daemon status as JSON")
	return cmd
}

func renderState(w io.Writer, view audio.View) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	t.AppendHeader(table.Row{"Target", "Name", "Volume", "Muted"})

	system := "unknown"
	if view.SystemKnown {
		system = soundserver.FormatPercent(view.System.Volume)
	}
	t.AppendRow(table.Row{"system", "default sink", system, yesNo(view.System.Muted)})
	if len(view.Streams) > 0 {
		t.AppendSeparator()
	}
	for _, s := range view.Streams {
		t.AppendRow(table.Row{s.ID, s.Name, soundserver.FormatPercent(s.Volume), yesNo(s.Muted)})
	}

	t.Render()
}

func writeDaemonSummary(w io.Writer, st ipc.DaemonStatus) error {
	last := "never"
	if !st.Poll.LastSuccessAt.IsZero() {
		last = time.Since(st.Poll.LastSuccessAt).Round(time.Second).String() + " ago"
	}
	_, err := fmt.Fprintf(w, "\nappvold v%s  phase %s  interval %s  cycles %d  failures %d  last success %s\n",
		st.Version, st.Poll.Phase, st.Poll.Interval, st.Poll.Cycles, st.Poll.Failures, last)
	if err != nil {
		return err
	}
	if st.Poll.LastError != "" {
		_, err = fmt.Fprintf(w, "last error: %s\n", st.Poll.LastError)
	}
	return err
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
