package gmmu

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/gpumem/mem/vm"
	"github.com/sarchlab/gpumem/memory"
)

type bumpAllocator struct {
	storage *memory.Storage
	next    uint64
	allocs  int
	freed   int
	fail    error
}

func (a *bumpAllocator) AllocDirectory(size uint64) (*Mem, error) {
	if a.fail != nil {
		return nil, a.fail
	}

	size = (size + 4095) &^ 4095
	mem := &Mem{
		Storage:  a.storage,
		PhysAddr: a.next,
		Size:     size,
		Aperture: vm.ApertureVidmem,
	}
	a.next += size
	a.allocs++

	return mem, nil
}

func (a *bumpAllocator) FreeDirectory(*Mem) {
	a.freed++
}

var _ = Describe("VM", func() {
	var (
		alloc *bumpAllocator
		as    *VM
	)

	BeforeEach(func() {
		alloc = &bumpAllocator{
			storage: memory.NewStorage(64 << 20),
			next:    0x10000,
		}

		var err error
		as, err = NewVM("vm0", MakeBuilder().Build(), alloc)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should fail if the root directory cannot be allocated", func() {
		alloc.fail = errors.New("out of memory")

		_, err := NewVM("vm1", MakeBuilder().Build(), alloc)

		Expect(err).To(MatchError(ContainSubstring("out of memory")))
	})

	It("should map and translate a small page", func() {
		attrs := vm.Attrs{
			PageSize:  vm.PageSizeSmall,
			Valid:     true,
			Cacheable: true,
			Aperture:  vm.ApertureVidmem,
		}

		err := as.MapPage(0x1_0000_3000, 0x7_0000, attrs)
		Expect(err).ToNot(HaveOccurred())

		pa, got, err := as.Translate(0x1_0000_3123)
		Expect(err).ToNot(HaveOccurred())
		Expect(pa).To(Equal(uint64(0x7_0123)))
		Expect(got.PageSize).To(Equal(vm.PageSizeSmall))
		Expect(got.Aperture).To(Equal(vm.ApertureVidmem))
		Expect(got.Cacheable).To(BeTrue())
	})

	It("should map and translate a big page", func() {
		attrs := vm.Attrs{
			PageSize: vm.PageSizeBig,
			Valid:    true,
			RWFlag:   vm.ReadOnly,
			Aperture: vm.ApertureSysmem,
		}

		err := as.MapPage(0x20_0001_0000, 0x100_0000, attrs)
		Expect(err).ToNot(HaveOccurred())

		pa, got, err := as.Translate(0x20_0001_fff0)
		Expect(err).ToNot(HaveOccurred())
		Expect(pa).To(Equal(uint64(0x100_fff0)))
		Expect(got.PageSize).To(Equal(vm.PageSizeBig))
		Expect(got.RWFlag).To(Equal(vm.ReadOnly))
		Expect(got.Cacheable).To(BeFalse())
	})

	It("should create directories lazily", func() {
		attrs := vm.Attrs{PageSize: vm.PageSizeSmall, Valid: true}

		Expect(as.MapPage(0x0, 0x1000, attrs)).To(Succeed())
		Expect(alloc.allocs).To(Equal(5))

		Expect(as.MapPage(0x1000, 0x2000, attrs)).To(Succeed())
		Expect(alloc.allocs).To(Equal(5))

		Expect(as.MapPage(0x20_0000, 0x3000, attrs)).To(Succeed())
		Expect(alloc.allocs).To(Equal(6))
	})

	It("should free every directory on destroy", func() {
		small := vm.Attrs{PageSize: vm.PageSizeSmall, Valid: true}
		big := vm.Attrs{PageSize: vm.PageSizeBig, Valid: true}

		Expect(as.MapPage(0x0, 0x1000, small)).To(Succeed())
		Expect(as.MapPage(0x20_0000, 0x3000, small)).To(Succeed())
		Expect(as.MapPage(0x40_0000, 0x10000, big)).To(Succeed())

		as.Destroy()
		as.Destroy()

		Expect(alloc.freed).To(Equal(alloc.allocs))
		Expect(as.Root()).To(BeNil())
	})

	It("should reject misaligned mappings", func() {
		attrs := vm.Attrs{PageSize: vm.PageSizeBig, Valid: true}

		err := as.MapPage(0x1000, 0x10000, attrs)

		Expect(errors.Is(err, ErrMisaligned)).To(BeTrue())
	})

	It("should reject mixing page sizes under one dual PDE", func() {
		small := vm.Attrs{PageSize: vm.PageSizeSmall, Valid: true}
		big := vm.Attrs{PageSize: vm.PageSizeBig, Valid: true}
		Expect(as.MapPage(0x0, 0x1000, small)).To(Succeed())

		err := as.MapPage(0x10000, 0x10000, big)

		Expect(errors.Is(err, ErrPageSizeConflict)).To(BeTrue())
	})

	It("should fail translation through a corrupt dual PDE", func() {
		attrs := vm.Attrs{PageSize: vm.PageSizeSmall, Valid: true}
		Expect(as.MapPage(0x0, 0x1000, attrs)).To(Succeed())

		levels := as.encoder.Levels()
		pd := as.Root()
		for i := 0; i < 3; i++ {
			pd = pd.Next(0, vm.PageSizeSmall)
		}
		pd.Write(levels[3].OffsetFromIndex(0),
			dualPDEApertureVidmem|dualPDEAddressBigSys(0x900))

		_, _, err := as.Translate(0x0)

		Expect(errors.Is(err, ErrCorruptPDE)).To(BeTrue())
	})

	It("should unmap pages", func() {
		attrs := vm.Attrs{PageSize: vm.PageSizeSmall, Valid: true}
		Expect(as.MapPage(0x5000, 0x1000, attrs)).To(Succeed())

		Expect(as.Unmap(0x5000, vm.PageSizeSmall)).To(Succeed())

		_, _, err := as.Translate(0x5000)
		Expect(errors.Is(err, ErrNotMapped)).To(BeTrue())
	})

	It("should fail to unmap pages that were never mapped", func() {
		err := as.Unmap(0x5000, vm.PageSizeSmall)

		Expect(errors.Is(err, ErrNotMapped)).To(BeTrue())
	})

	It("should fail to translate unmapped addresses", func() {
		_, _, err := as.Translate(0x1234_5000)

		Expect(errors.Is(err, ErrNotMapped)).To(BeTrue())
	})
})
