package cmd

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/sarchlab/gpumem/mem/vidmem"
	"github.com/sarchlab/gpumem/monitoring"
)

var vidmemCmd = &cobra.Command{
	Use:   "vidmem",
	Short: "Allocate and free user video memory buffers.",
	Long: "`vidmem --allocs 16 --size 1048576` allocates the buffers, frees " +
		"them, waits for the clearing thread to zero them and prints the " +
		"free space before and after.",
	Args: cobra.NoArgs,
	RunE: runVidmem,
}

func init() {
	rootCmd.AddCommand(vidmemCmd)

	flags := vidmemCmd.Flags()
	flags.Int("allocs", 16, "number of buffers")
	flags.Uint64("size", 1<<20, "bytes per buffer")
	flags.Duration("wait", 10*time.Second, "how long to wait for clears")
}

// allocRetrying retries allocations that fail while freed memory is still
// being cleared.
func allocRetrying(m *vidmem.Manager, size uint64, wait time.Duration) (*vidmem.Buf, error) {
	var buf *vidmem.Buf

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = wait

	err := backoff.Retry(func() error {
		var err error

		buf, err = m.UserAlloc(size)
		if errors.Is(err, vidmem.ErrAgain) {
			return err
		}

		if err != nil {
			return backoff.Permanent(err)
		}

		return nil
	}, b)

	return buf, err
}

func runVidmem(cmd *cobra.Command, _ []string) (err error) {
	flags := cmd.Flags()
	allocs, _ := flags.GetInt("allocs")
	size, _ := flags.GetUint64("size")
	wait, _ := flags.GetDuration("wait")

	d, err := buildDevice(nil)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeDevice(d)) }()

	m := d.Vidmem()
	out := cmd.OutOrStdout()

	space, err := m.GetSpace()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "space before: %d bytes\n", space)

	var bar *monitoring.ProgressBar
	if current.monitor != nil {
		bar = current.monitor.CreateProgressBar("vidmem allocs", uint64(allocs))
		defer current.monitor.CompleteProgressBar(bar)
	}

	bufs := make([]*vidmem.Buf, 0, allocs)
	for i := 0; i < allocs; i++ {
		buf, err := allocRetrying(m, size, wait)
		if err != nil {
			return errors.Wrapf(err, "allocation %d", i)
		}

		bufs = append(bufs, buf)

		if bar != nil {
			bar.IncrementFinished(1)
		}
	}

	fmt.Fprintf(out, "allocated %d buffers of %d bytes\n", len(bufs), size)

	for _, buf := range bufs {
		if err := buf.Free(); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "pending after free: %d bytes\n", m.BytesPending())

	poll := backoff.NewExponentialBackOff()
	poll.MaxElapsedTime = wait

	err = backoff.Retry(func() error {
		if n := m.BytesPending(); n > 0 {
			return errors.Errorf("%d bytes still pending", n)
		}

		return nil
	}, poll)
	if err != nil {
		return err
	}

	space, err = m.GetSpace()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "space after clears: %d bytes\n", space)

	return nil
}
