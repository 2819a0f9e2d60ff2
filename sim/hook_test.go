package sim

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type namedDomain struct {
	HookableBase
}

func (d *namedDomain) Name() string {
	return "Domain"
}

var _ = Describe("HookableBase", func() {
	var (
		domain *namedDomain
		pos    *HookPos
	)

	BeforeEach(func() {
		domain = &namedDomain{}
		pos = &HookPos{Name: "Pos"}
	})

	It("should invoke hooks in registration order", func() {
		var calls []string

		domain.AcceptHook(HookFunc(func(ctx HookCtx) {
			calls = append(calls, "first")
		}))
		domain.AcceptHook(HookFunc(func(ctx HookCtx) {
			Expect(ctx.Pos).To(BeIdenticalTo(pos))
			Expect(ctx.Item).To(Equal(42))
			calls = append(calls, "second")
		}))

		domain.InvokeHook(HookCtx{Domain: domain, Pos: pos, Item: 42})

		Expect(domain.NumHooks()).To(Equal(2))
		Expect(calls).To(Equal([]string{"first", "second"}))
	})

	It("should accept hooks while invoking", func() {
		var (
			wg    sync.WaitGroup
			lock  sync.Mutex
			count int
		)

		hook := HookFunc(func(HookCtx) {
			lock.Lock()
			count++
			lock.Unlock()
		})
		domain.AcceptHook(hook)

		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				domain.InvokeHook(HookCtx{Domain: domain, Pos: pos})
			}()
			go func() {
				defer wg.Done()
				domain.AcceptHook(hook)
			}()
		}
		wg.Wait()

		Expect(domain.NumHooks()).To(Equal(9))
		Expect(count).To(BeNumerically(">=", 8))
	})
})

var _ = Describe("LogHook", func() {
	It("should log the position, domain and item", func() {
		core, logs := observer.New(zapcore.DebugLevel)
		domain := &namedDomain{}
		domain.AcceptHook(NewLogHook(zap.New(core)))

		domain.InvokeHook(HookCtx{
			Domain: domain,
			Pos:    &HookPos{Name: "BeforeClear"},
			Item:   "mem",
		})

		Expect(logs.Len()).To(Equal(1))
		fields := logs.All()[0].ContextMap()
		Expect(fields).To(HaveKeyWithValue("pos", "BeforeClear"))
		Expect(fields).To(HaveKeyWithValue("domain", "Domain"))
		Expect(fields).To(HaveKeyWithValue("item", "mem"))
	})
})

var _ = Describe("IDGenerator", func() {
	It("should generate distinct IDs", func() {
		gen := GetIDGenerator()

		a := gen.Generate()
		b := gen.Generate()

		Expect(a).NotTo(BeEmpty())
		Expect(a).NotTo(Equal(b))
		Expect(GetIDGenerator()).To(BeIdenticalTo(gen))
	})

	It("should generate xid based IDs in parallel mode", func() {
		Expect((parallelIDGenerator{}).Generate()).To(HaveLen(20))
	})
})
