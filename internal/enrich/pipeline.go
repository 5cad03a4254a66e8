package enrich

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/citewatch/orchestrator/internal/metrics"
	"github.com/citewatch/orchestrator/internal/store"
)

// BacklinkStore is the persistence surface the pipeline writes through. Each
// update touches a disjoint column, so the steps need no coordination.
type BacklinkStore interface {
	Get(ctx context.Context, id string) (*store.Backlink, error)
	ListByTaskAndDomain(ctx context.Context, taskID, sourceDomain string) ([]*store.Backlink, error)
	UpdateWhois(ctx context.Context, id string, data store.WhoisData) error
	UpdateSafeBrowsing(ctx context.Context, id string, data store.SafeBrowsingData) error
	UpdatePbn(ctx context.Context, id string, data store.PbnData) error
}

// Pipeline enriches backlinks. WHOIS and Safe Browsing are supplementary:
// their failures leave the backlink partially enriched. PBN analysis is
// load-bearing and surfaces its failures to the caller.
type Pipeline struct {
	backlinks    BacklinkStore
	whois        *WhoisClient
	safeBrowsing *SafeBrowsingClient
	pbn          *PbnClient
	logger       *zap.Logger

	now func() time.Time
}

// NewPipeline wires the enrichment pipeline.
func NewPipeline(backlinks BacklinkStore, whois *WhoisClient, sb *SafeBrowsingClient, pbn *PbnClient, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		backlinks:    backlinks,
		whois:        whois,
		safeBrowsing: sb,
		pbn:          pbn,
		logger:       logger,
		now:          time.Now,
	}
}

// EnrichBacklink runs the WHOIS and Safe Browsing steps for one backlink
// concurrently. Each step writes only its own column; a failed step is
// logged and counted, never fatal.
func (p *Pipeline) EnrichBacklink(ctx context.Context, backlinkID string) error {
	b, err := p.backlinks.Get(ctx, backlinkID)
	if err != nil {
		return fmt.Errorf("load backlink: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		p.enrichWhois(ctx, b)
	}()
	go func() {
		defer wg.Done()
		p.enrichSafeBrowsing(ctx, b)
	}()
	wg.Wait()

	metrics.BacklinksEnriched.Inc()
	return nil
}

func (p *Pipeline) enrichWhois(ctx context.Context, b *store.Backlink) {
	raw, err := p.whois.Lookup(ctx, b.SourceDomain)
	if err != nil {
		metrics.EnrichmentFailures.WithLabelValues("whois").Inc()
		p.logger.Warn("whois enrichment failed",
			zap.String("backlink_id", b.ID),
			zap.String("domain", b.SourceDomain),
			zap.Error(err),
		)
		return
	}
	data := p.whois.ExtractSignals(raw)
	if err := p.backlinks.UpdateWhois(ctx, b.ID, data); err != nil {
		metrics.EnrichmentFailures.WithLabelValues("whois").Inc()
		p.logger.Warn("whois write failed", zap.String("backlink_id", b.ID), zap.Error(err))
	}
}

func (p *Pipeline) enrichSafeBrowsing(ctx context.Context, b *store.Backlink) {
	verdict, err := p.safeBrowsing.CheckURL(ctx, b.SourceURL)
	if err != nil {
		metrics.EnrichmentFailures.WithLabelValues("safe_browsing").Inc()
		p.logger.Warn("safe browsing enrichment failed",
			zap.String("backlink_id", b.ID),
			zap.Error(err),
		)
		return
	}
	if err := p.backlinks.UpdateSafeBrowsing(ctx, b.ID, verdict); err != nil {
		metrics.EnrichmentFailures.WithLabelValues("safe_browsing").Inc()
		p.logger.Warn("safe browsing write failed", zap.String("backlink_id", b.ID), zap.Error(err))
	}
}

// AnalyzePbn runs a PBN risk analysis over all of a task's backlinks for one
// source domain, persists the verdict onto each backlink, and returns the raw
// analysis. Failures propagate as *ServiceError.
func (p *Pipeline) AnalyzePbn(ctx context.Context, taskID, domain string) (map[string]interface{}, error) {
	links, err := p.backlinks.ListByTaskAndDomain(ctx, taskID, domain)
	if err != nil {
		return nil, fmt.Errorf("list backlinks: %w", err)
	}

	req := PbnRequest{
		Domain:    domain,
		TaskID:    taskID,
		Backlinks: make([]PbnBacklink, 0, len(links)),
		Summary: map[string]interface{}{
			"backlink_count": len(links),
		},
	}
	for _, l := range links {
		req.Backlinks = append(req.Backlinks, PbnBacklink{
			SourceURL:    l.SourceURL,
			SourceDomain: l.SourceDomain,
			AnchorText:   l.AnchorText,
		})
	}

	raw, err := p.pbn.Analyze(ctx, req)
	if err != nil {
		metrics.EnrichmentFailures.WithLabelValues("pbn").Inc()
		return nil, err
	}

	verdict := ExtractVerdict(raw, p.now().UTC())
	for _, l := range links {
		if err := p.backlinks.UpdatePbn(ctx, l.ID, verdict); err != nil {
			p.logger.Warn("pbn verdict write failed",
				zap.String("backlink_id", l.ID),
				zap.Error(err),
			)
		}
	}
	return raw, nil
}
