package app

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/petervdpas/voicemesh/internal/storage"
)

// History prints the newest limit journal entries for channel, or a
// per-channel count when channel is empty.
func History(w io.Writer, peerDir, channel string, limit int) error {
	j, err := storage.Open(peerDir)
	if err != nil {
		return err
	}
	defer j.Close()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if channel == "" {
		counts, err := j.Channels()
		if err != nil {
			return err
		}
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(tw, "CHANNEL\tEVENTS")
		for _, name := range names {
			fmt.Fprintf(tw, "%s\t%d\n", name, counts[name])
		}
		return nil
	}

	entries, err := j.List(channel, limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "TIME\tPEER\tEVENT\tSTATE\tREASON")
	for _, e := range entries {
		peer := e.RemoteID
		if peer == "" {
			peer = e.LocalID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.At.Format("2006-01-02 15:04:05"), short(peer), e.Type, e.State, e.Reason)
	}
	return nil
}
