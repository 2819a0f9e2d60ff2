package cmd

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sarchlab/gpumem/mem/vm"
)

func parseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing address %q", s)
	}

	return v, nil
}

func parsePageSize(s string) (vm.PageSize, error) {
	for p := vm.PageSizeSmall; p < vm.NumPageSizes; p++ {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}

	return vm.NumPageSizes, errors.Errorf("unknown page size %q", s)
}

func parseAperture(s string) (vm.Aperture, error) {
	switch strings.ToLower(s) {
	case "vidmem":
		return vm.ApertureVidmem, nil
	case "sysmem":
		return vm.ApertureSysmem, nil
	case "sysmem-coherent", "syscoh":
		return vm.ApertureSysmemCoherent, nil
	default:
		return vm.ApertureInvalid, errors.Errorf("unknown aperture %q", s)
	}
}
