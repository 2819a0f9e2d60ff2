package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/sarchlab/gpumem/mem/vm"
	"github.com/sarchlab/gpumem/mem/vm/gmmu"
	"github.com/sarchlab/gpumem/sim"
)

var pagetableCmd = &cobra.Command{
	Use:   "pagetable",
	Short: "Map one page and print the entries written on every level.",
	Long: "`pagetable --va 0x100000 --pa 0x200000 --pgsz big` builds an " +
		"address space, maps the page, prints every page table entry that " +
		"was written and walks the table back to the physical address.",
	Args: cobra.NoArgs,
	RunE: runPagetable,
}

func init() {
	rootCmd.AddCommand(pagetableCmd)

	flags := pagetableCmd.Flags()
	flags.String("va", "0x100000", "virtual address to map")
	flags.String("pa", "0x200000", "physical address to map to")
	flags.String("pgsz", "small", "page size, small, big or kernel")
	flags.String("aperture", "vidmem", "aperture, vidmem, sysmem or sysmem-coherent")
	flags.Bool("cacheable", true, "map the page cacheable")
	flags.Bool("read-only", false, "map the page read-only")
	flags.Uint8("kind", 0, "PTE kind")
}

func pagetableAttrs(cmd *cobra.Command) (va, pa uint64, attrs vm.Attrs, err error) {
	flags := cmd.Flags()

	vaStr, _ := flags.GetString("va")
	if va, err = parseAddress(vaStr); err != nil {
		return
	}

	paStr, _ := flags.GetString("pa")
	if pa, err = parseAddress(paStr); err != nil {
		return
	}

	pgszStr, _ := flags.GetString("pgsz")
	if attrs.PageSize, err = parsePageSize(pgszStr); err != nil {
		return
	}

	apStr, _ := flags.GetString("aperture")
	if attrs.Aperture, err = parseAperture(apStr); err != nil {
		return
	}

	attrs.Valid = true
	attrs.Cacheable, _ = flags.GetBool("cacheable")
	attrs.Kind, _ = flags.GetUint8("kind")

	if readOnly, _ := flags.GetBool("read-only"); readOnly {
		attrs.RWFlag = vm.ReadOnly
	}

	return va, pa, attrs, nil
}

func printEntryWrites(w io.Writer) sim.Hook {
	return sim.HookFunc(func(ctx sim.HookCtx) {
		write, ok := ctx.Item.(gmmu.EntryWrite)
		if !ok {
			return
		}

		fmt.Fprintf(w, "%-8s idx %4d  va 0x%012x  pa 0x%010x  words",
			write.Level.Kind, write.Index, write.VA, write.PA)
		for _, word := range write.Words {
			fmt.Fprintf(w, " %08x", word)
		}
		fmt.Fprintln(w)
	})
}

func runPagetable(cmd *cobra.Command, _ []string) (err error) {
	va, pa, attrs, err := pagetableAttrs(cmd)
	if err != nil {
		return err
	}

	d, err := buildDevice(nil)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeDevice(d)) }()

	out := cmd.OutOrStdout()
	d.Encoder().AcceptHook(printEntryWrites(out))

	as, err := d.NewVM("cli")
	if err != nil {
		return err
	}
	defer as.Destroy()

	if err := as.MapPage(va, pa, attrs); err != nil {
		return err
	}

	got, gotAttrs, err := as.Translate(va)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "translate 0x%x -> 0x%x %s %s %s pgsz=%s\n",
		va, got, gotAttrs.Aperture, gotAttrs.RWFlag, gotAttrs.String(),
		gotAttrs.PageSize)

	return nil
}
