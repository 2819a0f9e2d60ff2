package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/sarchlab/gpumem/datarecording"
	"github.com/sarchlab/gpumem/perf/cyclestats"
)

var cssCmd = &cobra.Command{
	Use:   "css",
	Short: "Share the hardware snapshot stream among clients.",
	Long: "`css --clients 2 --entries 1000` attaches the clients, makes the " +
		"simulated hardware produce entries for them, flushes, and prints " +
		"what every client received.",
	Args: cobra.NoArgs,
	RunE: runCSS,
}

func init() {
	rootCmd.AddCommand(cssCmd)

	flags := cssCmd.Flags()
	flags.Int("clients", 2, "number of clients")
	flags.Uint32("perfmons", 4, "perfmon IDs per client")
	flags.Int("entries", 1000, "entries per client")
	flags.Int("orphans", 0, "entries for perfmon IDs no client owns")
	flags.Uint32("buffer", 0, "client ring size in bytes, 0 uses the config")
	flags.String("record", "", "record delivered entries to this SQLite file")
}

type cssWorkload struct {
	clients []*cyclestats.Client
	entries int
	orphans int
}

// stream returns the entries the hardware produces: clients take turns,
// cycling through their perfmon IDs, and orphans come last.
func (w cssWorkload) stream() []cyclestats.SnapshotEntry {
	var entries []cyclestats.SnapshotEntry

	for i := 0; i < w.entries; i++ {
		for _, c := range w.clients {
			entries = append(entries, cyclestats.SnapshotEntry{
				PerfmonID: c.PerfmonStart() + uint32(i)%c.PerfmonCount(),
				Index:     uint32(i),
				Timestamp: uint64(len(entries)),
				Value:     uint64(i),
			})
		}
	}

	for i := 0; i < w.orphans; i++ {
		entries = append(entries, cyclestats.SnapshotEntry{
			PerfmonID: cyclestats.MaxPerfmonIDs - 1,
			Index:     uint32(i),
			Timestamp: uint64(len(entries)),
		})
	}

	return entries
}

// drain feeds the stream to the hardware, flushing whenever the hardware
// buffer fills up. Clients consume what they receive, so their rings only
// overflow if a single flush brings more than they can hold.
func drain(
	css *cyclestats.Multiplexer,
	hw *cyclestats.SimulatedHW,
	flusher *cyclestats.Client,
	entries []cyclestats.SnapshotEntry,
	received map[*cyclestats.Client]int,
) error {
	for len(entries) > 0 {
		n, err := hw.Inject(entries...)
		if err != nil {
			return err
		}

		// Entries that did not fit flagged an overflow. Resend them after
		// the flush instead.
		hw.SetOverflow(false)
		entries = entries[n:]

		if err := css.Flush(flusher); err != nil {
			return errors.Wrap(err, "flushing snapshots")
		}

		for _, c := range css.Clients() {
			got := c.Fifo().Len()
			received[c] += int(got)
			c.Fifo().Consume(got)
		}
	}

	return nil
}

func runCSS(cmd *cobra.Command, _ []string) (err error) {
	flags := cmd.Flags()
	numClients, _ := flags.GetInt("clients")
	perfmons, _ := flags.GetUint32("perfmons")
	entries, _ := flags.GetInt("entries")
	orphans, _ := flags.GetInt("orphans")
	bufferSize, _ := flags.GetUint32("buffer")
	recordPath, _ := flags.GetString("record")

	if bufferSize == 0 {
		bufferSize = current.config.CSS.ClientBufferSize
	}

	if recordPath == "" {
		recordPath = current.config.Record.Path
	}

	var recorder *datarecording.SQLiteRecorder
	if recordPath != "" {
		recorder, err = datarecording.New(recordPath, current.logger)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, recorder.Close()) }()
	}

	var dr datarecording.DataRecorder
	if recorder != nil {
		dr = recorder
	}

	d, err := buildDevice(dr)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeDevice(d)) }()

	hw, ok := d.SnapshotHW().(*cyclestats.SimulatedHW)
	if !ok {
		return errors.New("snapshot hardware cannot be driven")
	}

	css := d.CSS()
	w := cssWorkload{entries: entries, orphans: orphans}

	for i := 0; i < numClients; i++ {
		c, _, err := css.Attach(perfmons, bufferSize)
		if err != nil {
			return errors.Wrapf(err, "attaching client %d", i)
		}

		w.clients = append(w.clients, c)
	}

	if len(w.clients) == 0 {
		return errors.New("no clients")
	}

	received := make(map[*cyclestats.Client]int)
	if err := drain(css, hw, w.clients[0], w.stream(), received); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, c := range w.clients {
		fmt.Fprintf(out,
			"client %s perfmons %d-%d received %d sw overflows %d hw overflows %d\n",
			c.Handle(), c.PerfmonStart(), c.PerfmonStart()+c.PerfmonCount()-1,
			received[c], c.Fifo().SWOverflowEvents(), c.Fifo().HWOverflowEvents())
	}

	fmt.Fprintf(out, "orphaned %d\n", css.Orphaned())

	for _, c := range w.clients {
		if err := css.Detach(c); err != nil {
			return err
		}
	}

	return nil
}
