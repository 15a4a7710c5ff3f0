package introspect_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/scusemua/notebook-relay/common/jupyter/execution"
	"github.com/scusemua/notebook-relay/common/jupyter/introspect"
)

// fakeExecutor returns a canned bundle and records the code it was asked to run.
type fakeExecutor struct {
	mu     sync.Mutex
	codes  []string
	bundle execution.MimeBundle
	err    error
}

func (e *fakeExecutor) Execute(_ context.Context, code string) (execution.MimeBundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
	return e.bundle, e.err
}

func (e *fakeExecutor) Runs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.codes)
}

func provide(executor *fakeExecutor) introspect.ExecutorProvider {
	return func(_ context.Context, kernelID string) (introspect.Executor, error) {
		if kernelID != "kernel-1" {
			return nil, errors.New("no such kernel")
		}
		return executor, nil
	}
}

var _ = Describe("Snippets", func() {
	It("Will build a source snippet for dotted names", func() {
		code, err := introspect.SourceSnippet("pkg.module.func")
		Expect(err).To(BeNil())
		Expect(code).To(ContainSubstring("__relay_source(pkg.module.func)"))
		Expect(code).To(ContainSubstring("'application/json'"))
	})

	It("Will reject names that are not identifiers", func() {
		for _, name := range []string{"", "1abc", "os.system('rm -rf /')", "a..b", "a.", "a b"} {
			_, err := introspect.SourceSnippet(name)
			Expect(err).To(MatchError(introspect.ErrInvalidName))
		}
	})

	It("Will read the default attribute", func() {
		code, err := introspect.RenderSnippet("df")
		Expect(err).To(BeNil())
		Expect(code).To(ContainSubstring("__relay_value = df\n"))
		Expect(code).To(ContainSubstring("for __relay_name in ['to_html']:"))
		Expect(code).To(ContainSubstring("'text/html'"))
	})

	It("Will follow a chain of accessors", func() {
		code, err := introspect.RenderSnippet("results.latest", "report", "render")
		Expect(err).To(BeNil())
		Expect(code).To(ContainSubstring("['report', 'render']"))

		_, err = introspect.RenderSnippet("results", "to_html()")
		Expect(err).To(MatchError(introspect.ErrInvalidName))
	})
})

var _ = Describe("SourceCache", func() {
	var cache *introspect.SourceCache

	BeforeEach(func() {
		var err error
		cache, err = introspect.NewSourceCache(2)
		Expect(err).To(BeNil())
	})

	source := &introspect.Source{File: "a.py", Source: "return 1\n"}

	It("Will only return an entry for its fingerprint", func() {
		cache.Put("kernel-1", "f", "v1", source)

		cached, ok := cache.Get("kernel-1", "f", "v1")
		Expect(ok).To(BeTrue())
		Expect(cached).To(Equal(source))

		_, ok = cache.Get("kernel-1", "f", "v2")
		Expect(ok).To(BeFalse())

		// The stale entry is gone even for its old fingerprint.
		_, ok = cache.Get("kernel-1", "f", "v1")
		Expect(ok).To(BeFalse())
	})

	It("Will not cache without a fingerprint", func() {
		cache.Put("kernel-1", "f", "", source)
		Expect(cache.Len()).To(BeZero())

		_, ok := cache.Get("kernel-1", "f", "")
		Expect(ok).To(BeFalse())
	})

	It("Will keep kernels apart", func() {
		cache.Put("kernel-1", "f", "v1", source)
		_, ok := cache.Get("kernel-2", "f", "v1")
		Expect(ok).To(BeFalse())
	})

	It("Will evict the least recently used entry", func() {
		cache.Put("kernel-1", "f", "v1", source)
		cache.Put("kernel-1", "g", "v1", source)
		_, _ = cache.Get("kernel-1", "f", "v1")
		cache.Put("kernel-1", "h", "v1", source)

		_, ok := cache.Get("kernel-1", "g", "v1")
		Expect(ok).To(BeFalse())
		_, ok = cache.Get("kernel-1", "f", "v1")
		Expect(ok).To(BeTrue())
	})

	It("Will invalidate entries explicitly", func() {
		cache, _ = introspect.NewSourceCache(10)
		cache.Put("kernel-1", "f", "v1", source)
		cache.Put("kernel-1", "g", "v1", source)
		cache.Put("kernel-2", "f", "v1", source)

		Expect(cache.Invalidate("kernel-1", "f")).To(BeTrue())
		Expect(cache.Invalidate("kernel-1", "f")).To(BeFalse())

		Expect(cache.InvalidateKernel("kernel-1")).To(Equal(1))
		Expect(cache.Len()).To(Equal(1))
		_, ok := cache.Get("kernel-2", "f", "v1")
		Expect(ok).To(BeTrue())
	})

	It("Will derive stable fingerprints", func() {
		Expect(introspect.Fingerprint("a", "b")).To(Equal(introspect.Fingerprint("a", "b")))
		Expect(introspect.Fingerprint("a", "b")).ToNot(Equal(introspect.Fingerprint("ab")))
		Expect(introspect.Fingerprint("a")).To(HaveLen(64))
	})
})

var _ = Describe("SourceFetcher", func() {
	var (
		executor *fakeExecutor
		cache    *introspect.SourceCache
		fetcher  *introspect.SourceFetcher
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		executor = &fakeExecutor{bundle: execution.MimeBundle{
			introspect.MimeTypeJSON: `{"file": "/home/user/model.py", "source": "x = 1\nreturn x\n"}`,
			introspect.MimeTypeText: "{'file': '/home/user/model.py', ...}",
		}}
		cache, _ = introspect.NewSourceCache(16)
		fetcher = introspect.NewSourceFetcher(provide(executor), cache)
	})

	It("Will decode the displayed source", func() {
		source, err := fetcher.FetchSource(ctx, "kernel-1", "model.fit", "")
		Expect(err).To(BeNil())
		Expect(source.File).To(Equal("/home/user/model.py"))
		Expect(source.Source).To(Equal("x = 1\nreturn x\n"))
		Expect(executor.codes[0]).To(ContainSubstring("__relay_source(model.fit)"))
	})

	It("Will reuse a source fetched for the same fingerprint", func() {
		for i := 0; i < 3; i++ {
			_, err := fetcher.FetchSource(ctx, "kernel-1", "model.fit", "cells-v1")
			Expect(err).To(BeNil())
		}
		Expect(executor.Runs()).To(Equal(1))

		_, err := fetcher.FetchSource(ctx, "kernel-1", "model.fit", "cells-v2")
		Expect(err).To(BeNil())
		Expect(executor.Runs()).To(Equal(2))

		_, err = fetcher.FetchSource(ctx, "kernel-1", "model.fit", "")
		Expect(err).To(BeNil())
		Expect(executor.Runs()).To(Equal(3))
	})

	It("Will fail when nothing is displayed", func() {
		executor.bundle = nil
		_, err := fetcher.FetchSource(ctx, "kernel-1", "model.fit", "cells-v1")
		Expect(err).To(MatchError(introspect.ErrNoResult))
		Expect(cache.Len()).To(BeZero())
	})

	It("Will surface execution errors", func() {
		executor.err = &execution.ExecutionError{EName: "NameError", EValue: "name 'model' is not defined"}
		_, err := fetcher.FetchSource(ctx, "kernel-1", "model.fit", "")
		Expect(errors.Is(err, execution.ErrExecutionFailed)).To(BeTrue())
	})

	It("Will not run code for invalid names or unknown kernels", func() {
		_, err := fetcher.FetchSource(ctx, "kernel-1", "__import__('os')", "")
		Expect(err).To(MatchError(introspect.ErrInvalidName))

		_, err = fetcher.FetchSource(ctx, "kernel-2", "model.fit", "")
		Expect(err).ToNot(BeNil())
		Expect(executor.Runs()).To(BeZero())
	})
})

var _ = Describe("HTMLRenderer", func() {
	It("Will return the HTML representation", func() {
		executor := &fakeExecutor{bundle: execution.MimeBundle{introspect.MimeTypeHTML: "<table></table>"}}
		renderer := introspect.NewHTMLRenderer(provide(executor))

		html, err := renderer.Render(context.Background(), "kernel-1", "df")
		Expect(err).To(BeNil())
		Expect(html).To(Equal("<table></table>"))
	})

	It("Will fail when no HTML is displayed", func() {
		executor := &fakeExecutor{bundle: execution.MimeBundle{introspect.MimeTypeText: "None"}}
		renderer := introspect.NewHTMLRenderer(provide(executor))

		_, err := renderer.Render(context.Background(), "kernel-1", "df", "missing")
		Expect(err).To(MatchError(introspect.ErrNoResult))
	})
})
