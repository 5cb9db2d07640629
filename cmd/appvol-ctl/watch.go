package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"appvol/internal/audio"
	"appvol/internal/soundserver"
)

const defaultWatchURL = "ws://127.0.0.1:8765/ws"

// frame mirrors statews.Envelope with a concrete payload type.
type frame struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data audio.View `json:"data"`
}

func newWatchCmd() *cobra.Command {
	var (
		wsURL string
		count int
		raw   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow state changes from the daemon's state websocket",
		Long:  "watch connects to the state websocket (appvold -state-ws-listen) and prints one line per state frame until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := url.Parse(wsURL)
			if err != nil {
				return fmt.Errorf("invalid websocket URL: %w", err)
			}
			if u.Scheme != "ws" && u.Scheme != "wss" {
				return fmt.Errorf("invalid websocket URL %q: scheme must be ws or wss", wsURL)
			}
			return watch(cmd.Context(), cmd.OutOrStdout(), u.String(), count, raw)
		},
	}
	cmd.Flags().StringVar(&wsURL, "url", defaultWatchURL, "State websocket URL")
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many frames (0 = until interrupted)")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print frames as received")
	return cmd
}

func watch(ctx context.Context, w io.Writer, wsURL string, count int, raw bool) error {
	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, resp, err := d.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	// Unblock ReadMessage on interrupt.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for seen := 0; count == 0 || seen < count; seen++ {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if raw {
			if _, err := fmt.Fprintf(w, "%s\n", msg); err != nil {
				return err
			}
			continue
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		if _, err := fmt.Fprintln(w, formatFrame(f)); err != nil {
			return err
		}
	}
	return nil
}

// formatFrame renders one frame as a single line:
//
//	state_changed rev=7 system=40% | media-player(57)=80% [muted]
func formatFrame(f frame) string {
	var b strings.Builder
	b.WriteString(f.Type)
	fmt.Fprintf(&b, " rev=%d", f.Data.Revision)
	if f.Data.SystemKnown {
		fmt.Fprintf(&b, " system=%s%s", soundserver.FormatPercent(f.Data.System.Volume), mutedSuffix(f.Data.System.Muted))
	} else {
		b.WriteString(" system=unknown")
	}
	for i, s := range f.Data.Streams {
		if i == 0 {
			b.WriteString(" |")
		}
		fmt.Fprintf(&b, " %s(%s)=%s%s", s.Name, s.ID, soundserver.FormatPercent(s.Volume), mutedSuffix(s.Muted))
	}
	return b.String()
}
