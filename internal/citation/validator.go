package citation

import (
	"context"

	"go.uber.org/zap"

	"github.com/citewatch/orchestrator/internal/breaker"
	"github.com/citewatch/orchestrator/internal/llm"
	"github.com/citewatch/orchestrator/internal/metrics"
	"github.com/citewatch/orchestrator/internal/prompts"
)

// ErrProviderUnavailable is the stable error string recorded when a provider
// is skipped without calling out (not configured, or failure gate tripped).
const ErrProviderUnavailable = "provider_unavailable"

const validationTemplate = "citation_validation"

// ValidationResult is the well-formed outcome of validating one (query,
// targetURL) pair against one provider. Validate never returns an error; all
// failure modes collapse into this shape so the orchestration layer needs no
// provider-specific exception handling.
type ValidationResult struct {
	Provider           string
	CitationFound      bool
	Confidence         float64
	CitationReferences []string
	Raw                string
	Error              string
}

// Validator combines a prompt, a driver, the parser and the failure gate to
// answer "does this query's search result set cite the target URL?".
type Validator struct {
	gate    *breaker.Gate
	prompts *prompts.Loader
	logger  *zap.Logger
}

// NewValidator builds a validator. The gate is the validation-side failure
// gate (trips at the lower threshold).
func NewValidator(gate *breaker.Gate, loader *prompts.Loader, logger *zap.Logger) *Validator {
	return &Validator{
		gate:    gate,
		prompts: loader,
		logger:  logger,
	}
}

// Validate checks one query against one provider.
func (v *Validator) Validate(ctx context.Context, driver llm.Driver, query, targetURL string) ValidationResult {
	provider := driver.Name()

	if !driver.Available() || v.gate.IsBlocked(ctx, provider) {
		metrics.QueriesValidated.WithLabelValues(provider, "unavailable").Inc()
		return ValidationResult{
			Provider:           provider,
			CitationReferences: []string{},
			Error:              ErrProviderUnavailable,
		}
	}

	tpl := v.prompts.Load(validationTemplate)
	vars := map[string]string{"query": query, "url": targetURL}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.Replace(tpl.System, vars)},
		{Role: llm.RoleUser, Content: prompts.Replace(tpl.User, vars)},
	}

	raw, err := driver.Send(ctx, messages)
	if err != nil {
		v.gate.RecordFailure(ctx, provider)
		metrics.QueriesValidated.WithLabelValues(provider, "error").Inc()
		v.logger.Warn("citation validation call failed",
			zap.String("provider", provider),
			zap.String("query", query),
			zap.Error(err),
		)
		return ValidationResult{
			Provider:           provider,
			CitationReferences: []string{},
			Error:              err.Error(),
		}
	}

	content := llm.ExtractContent(provider, raw)
	verdict := Parse(content)

	v.gate.ClearFailures(ctx, provider)

	outcome := "not_found"
	if verdict.CitationFound {
		outcome = "found"
	}
	metrics.QueriesValidated.WithLabelValues(provider, outcome).Inc()

	return ValidationResult{
		Provider:           provider,
		CitationFound:      verdict.CitationFound,
		Confidence:         verdict.Confidence,
		CitationReferences: verdict.CitationReferences,
		Raw:                content,
	}
}

// verdictOf converts a validation result into the stored provider verdict.
func verdictOf(r ValidationResult) *ProviderVerdict {
	return &ProviderVerdict{
		CitationFound:      r.CitationFound,
		Confidence:         r.Confidence,
		CitationReferences: r.CitationReferences,
		Raw:                r.Raw,
		Error:              r.Error,
	}
}
