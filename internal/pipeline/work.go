package pipeline

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck-crawler/internal/coordinator"
	"github.com/JakeFAU/linkcheck-crawler/internal/crawler"
	"github.com/JakeFAU/linkcheck-crawler/internal/metrics"
	"github.com/JakeFAU/linkcheck-crawler/internal/progress"
)

// WorkItem carries a resource from verification through rendering.
type WorkItem struct {
	Resource *crawler.Resource
	Result   crawler.VerificationResult
	Verified bool
	Render   crawler.RenderResult
	Rendered bool
	Err      error
}

// RendererPool lends renderer instances to the render stage.
type RendererPool interface {
	Get(ctx context.Context) (crawler.Renderer, error)
	Return(r crawler.Renderer)
	Size() int
}

// steps holds the transforms of the four linear stages.
type steps struct {
	classifier crawler.ScopeClassifier
	verifier   crawler.Verifier
	renderers  RendererPool
	extractor  crawler.Extractor
	coord      *coordinator.Coordinator
	gate       *Gate
	logger     *zap.Logger
}

func (s *steps) verify(ctx context.Context, r *crawler.Resource) Option[WorkItem] {
	item := WorkItem{Resource: r}
	if err := s.gate.Wait(ctx); err != nil {
		item.Err = err
		return Some(item)
	}
	res, err := s.verifier.Verify(ctx, r)
	if err != nil {
		item.Err = fmt.Errorf("verify %s: %w", r.URL(), err)
		return Some(item)
	}
	item.Result = res
	item.Verified = true
	return Some(item)
}

func (s *steps) render(ctx context.Context, item WorkItem) Option[WorkItem] {
	if item.Err != nil || !shouldRender(item.Resource) {
		return Some(item)
	}
	inst, err := s.renderers.Get(ctx)
	if err != nil {
		item.Err = fmt.Errorf("borrow renderer: %w", err)
		return Some(item)
	}
	defer s.renderers.Return(inst)

	rr, err := inst.TryRender(ctx, item.Resource)
	switch {
	case errors.Is(err, crawler.ErrRendererDisabled):
		return Some(item)
	case err != nil:
		item.Err = fmt.Errorf("render %s: %w", item.Resource.URL(), err)
		return Some(item)
	}
	metrics.ObserveRender(rr.PageLoadTime)
	item.Render = rr
	item.Rendered = true
	return Some(item)
}

// shouldRender selects internal pages that answered 2xx with HTML.
func shouldRender(r *crawler.Resource) bool {
	if r == nil || r.URI == nil || !r.Internal || !r.Status.Success() {
		return false
	}
	if r.Kind != crawler.KindPage {
		return false
	}
	if r.ContentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		return strings.Contains(strings.ToLower(r.ContentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func (s *steps) extract(ctx context.Context, item WorkItem) Option[crawler.Outcome] {
	r := item.Resource
	if item.Err != nil {
		if ctx.Err() != nil {
			return Some(crawler.Cancelled(r))
		}
		return Some(crawler.Failure(r, item.Err))
	}
	if !item.Rendered {
		return Some(crawler.Success(r, nil))
	}
	base := r.URI
	if item.Render.FinalURL != "" {
		if u, err := url.Parse(item.Render.FinalURL); err == nil && u.IsAbs() {
			base = u
		}
	}
	found, err := s.extractor.ExtractResourcesFrom(crawler.HTMLDocument{BaseURL: base, HTML: item.Render.HTML})
	if err != nil {
		return Some(crawler.Failure(r, fmt.Errorf("extract %s: %w", r.URL(), err)))
	}
	return Some(crawler.Success(r, s.enrich(r, found, item.Render.Captured)))
}

// enrich attaches parentage and scope to extracted resources and turns the
// renderer's captured subresource requests into candidates.
func (s *steps) enrich(parent *crawler.Resource, found []*crawler.Resource, captured []string) []*crawler.Resource {
	out := make([]*crawler.Resource, 0, len(found)+len(captured))
	for _, c := range found {
		if c == nil {
			continue
		}
		c.ParentURI = parent.URI
		c.ExtractedFromHTML = true
		c.Internal = s.classifier.IsInternal(c)
		out = append(out, c)
	}
	for _, raw := range captured {
		u, err := s.classifier.Resolve(parent.URI, raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}
		c := crawler.NewResource(raw, u, parent.URI, s.classifier.InferKind(raw))
		c.Internal = s.classifier.IsInternal(c)
		out = append(out, c)
	}
	return out
}

func (s *steps) ingest(ctx context.Context, outcome crawler.Outcome) Option[struct{}] {
	s.coord.Ingest(ctx, outcome)
	return None[struct{}]()
}

// reportSide writes every verification result to the report sink.
type reportSide struct {
	sink   crawler.ReportSink
	logger *zap.Logger
}

func (r *reportSide) Offer(ctx context.Context, _ *crawler.Resource, out Option[WorkItem]) {
	item, ok := out.Get()
	if !ok || !item.Verified {
		return
	}
	if err := r.sink.WriteReport(context.WithoutCancel(ctx), item.Result); err != nil {
		r.logger.Warn("write report failed", zap.String("url", item.Result.VerifiedURL), zap.Error(err))
	}
}

// Complete flushes sinks that buffer.
func (r *reportSide) Complete(ctx context.Context) error {
	f, ok := r.sink.(interface{ Flush(context.Context) error })
	if !ok {
		return nil
	}
	if err := f.Flush(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("flush reports: %w", err)
	}
	return nil
}

// eventSide publishes one progress event per verified resource.
type eventSide struct {
	emitter progress.Emitter
	runID   [16]byte
	clock   crawler.Clock
	logger  *zap.Logger
}

func (e *eventSide) Offer(ctx context.Context, _ *crawler.Resource, out Option[WorkItem]) {
	item, ok := out.Get()
	if !ok || !item.Verified {
		return
	}
	res := item.Result
	class := progress.ClassifyStatus(int(res.Status))
	metrics.ObserveVerification(res.Internal, string(class), res.Duration)
	// Run totals are derived from these events, so a cancelled run still
	// queues the results it produced.
	err := e.emitter.Publish(context.WithoutCancel(ctx), progress.Event{
		RunID:       e.runID,
		TS:          e.clock.Now(),
		Kind:        progress.KindResourceVerified,
		URL:         res.VerifiedURL,
		ParentURL:   res.ParentURL,
		Status:      int(res.Status),
		StatusClass: class,
		Internal:    res.Internal,
		Bytes:       res.Size,
		Dur:         res.Duration,
	})
	if err != nil {
		e.logger.Warn("publish verification event failed", zap.String("url", res.VerifiedURL), zap.Error(err))
	}
}

func (e *eventSide) Complete(context.Context) error {
	return nil
}
