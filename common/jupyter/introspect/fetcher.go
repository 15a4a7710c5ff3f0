package introspect

import (
	"context"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/scusemua/notebook-relay/common/jupyter/execution"
)

var (
	ErrNoResult = errors.New("the kernel displayed no result")
)

// Executor runs code on a kernel and returns what it displays.
type Executor interface {
	Execute(ctx context.Context, code string) (execution.MimeBundle, error)
}

// ExecutorProvider returns the Executor of a kernel.
type ExecutorProvider func(ctx context.Context, kernelID string) (Executor, error)

// Source is the reconstructed source of a function defined in a kernel.
type Source struct {
	File   string `json:"file"`
	Source string `json:"source"`
}

// SourceFetcher fetches the source of functions defined in kernels.
type SourceFetcher struct {
	executors ExecutorProvider
	cache     *SourceCache

	log logger.Logger
}

// NewSourceFetcher creates a SourceFetcher. The cache may be nil, in which case every fetch runs code.
func NewSourceFetcher(executors ExecutorProvider, cache *SourceCache) *SourceFetcher {
	f := &SourceFetcher{
		executors: executors,
		cache:     cache,
	}
	config.InitLogger(&f.log, f)
	return f
}

// FetchSource returns the source of the named function. A cached source is returned if it was fetched for the
// same fingerprint.
func (f *SourceFetcher) FetchSource(ctx context.Context, kernelID string, name string, fingerprint string) (*Source, error) {
	if f.cache != nil {
		if source, ok := f.cache.Get(kernelID, name, fingerprint); ok {
			f.log.Debug("Serving cached source of %s from kernel %s.", name, kernelID)
			return source, nil
		}
	}

	code, err := SourceSnippet(name)
	if err != nil {
		return nil, err
	}

	executor, err := f.executors(ctx, kernelID)
	if err != nil {
		return nil, err
	}

	bundle, err := executor.Execute(ctx, code)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch source of %s", name)
	}

	encoded, ok := bundle[MimeTypeJSON]
	if !ok {
		return nil, errors.Wrapf(ErrNoResult, "source of %s", name)
	}

	var source Source
	if err := json.Unmarshal([]byte(encoded), &source); err != nil {
		return nil, errors.Wrapf(err, "failed to decode source of %s", name)
	}

	if f.cache != nil {
		f.cache.Put(kernelID, name, fingerprint, &source)
	}
	return &source, nil
}

// HTMLRenderer fetches the HTML representation of objects that live in kernels.
type HTMLRenderer struct {
	executors ExecutorProvider
}

func NewHTMLRenderer(executors ExecutorProvider) *HTMLRenderer {
	return &HTMLRenderer{executors: executors}
}

// Render returns the HTML reached by walking from the object named by base through the accessors.
func (r *HTMLRenderer) Render(ctx context.Context, kernelID string, base string, accessors ...string) (string, error) {
	code, err := RenderSnippet(base, accessors...)
	if err != nil {
		return "", err
	}

	executor, err := r.executors(ctx, kernelID)
	if err != nil {
		return "", err
	}

	bundle, err := executor.Execute(ctx, code)
	if err != nil {
		return "", errors.Wrapf(err, "failed to render %s", base)
	}

	if html, ok := bundle[MimeTypeHTML]; ok {
		return html, nil
	}
	return "", errors.Wrapf(ErrNoResult, "html of %s", base)
}
