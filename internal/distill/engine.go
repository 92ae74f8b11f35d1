// Package distill turns raw scraped content into scored business signals:
// it extracts visible text, strips boilerplate, detects the signals an
// industry cares about and computes a lead score.
package distill

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	ahocorasick "github.com/cloudflare/ahocorasick"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/condition"
	"github.com/JakeFAU/scraper-intel/internal/intel"
	"github.com/JakeFAU/scraper-intel/internal/retry"
	"github.com/JakeFAU/scraper-intel/internal/scrape"
)

const (
	// SnippetRadius is the number of characters kept on each side of a keyword hit.
	SnippetRadius = 100
	// MaxRegexSnippet caps a regex-matched snippet, in characters.
	MaxRegexSnippet = 500
	// MaxLeadScore caps the lead score.
	MaxLeadScore = 150.0
)

// Input is one page to distill.
type Input struct {
	Content     string
	ContentType string
	URL         string
	Platform    string
	TenantID    string
	Context     condition.Vars
	Intel       intel.ResearchIntelligence
}

// Result is the outcome of Distill. Signals carry everything the engine can
// know; persistence ids, timestamps and archive references are left to the
// caller.
type Result struct {
	CleanedText  string
	Signals      []scrape.ExtractedSignal
	LeadScore    float64
	MatchedRules []string
	Storage      scrape.StorageMetrics
}

// SignalIDs lists the detected signal ids in detection order.
func (r Result) SignalIDs() []string {
	out := make([]string, len(r.Signals))
	for i, s := range r.Signals {
		out[i] = s.SignalID
	}
	return out
}

type compiledSignal struct {
	def      intel.HighValueSignal
	keywords []string
	regex    *regexp.Regexp
}

type compiledRule struct {
	rule intel.ScoringRule
	expr *condition.Expr
}

type compiled struct {
	fluff    []*regexp.Regexp
	signals  []compiledSignal
	rules    []compiledRule
	keywords []string
	matcher  *ahocorasick.Matcher
}

// Engine distills content. It caches compiled configs per industry version
// and is safe for concurrent use.
type Engine struct {
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]*compiled
}

// New creates an Engine.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger.Named("distill"), cache: make(map[string]*compiled)}
}

// Distill runs extraction, fluff removal, detection and scoring.
func (e *Engine) Distill(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("distill: %w", err)
	}
	c, err := e.compile(in.Intel)
	if err != nil {
		return Result{}, retry.New(retry.KindValidation, err)
	}

	text := clean(extractText(in.Content, in.ContentType, in.URL), c.fluff)
	if text == "" {
		return Result{}, retry.Newf(retry.KindExtraction, "no content left after cleaning %s", in.URL)
	}

	signals := c.detect(text, in)
	res := Result{CleanedText: text, Signals: signals}

	var score float64
	for _, s := range signals {
		score += s.ScoreBoost * float64(s.Confidence) / 100
	}
	vars := ruleVars(in, c, signals)
	for _, r := range c.rules {
		if !r.rule.Enabled {
			continue
		}
		ok, err := r.expr.Eval(vars)
		if err != nil {
			e.logger.Debug("scoring rule not evaluated",
				zap.String("rule_id", r.rule.ID),
				zap.String("condition", r.expr.String()),
				zap.Error(err),
			)
			continue
		}
		if ok {
			score += r.rule.ScoreBoost
			res.MatchedRules = append(res.MatchedRules, r.rule.ID)
		}
	}
	res.LeadScore = math.Min(score, MaxLeadScore)

	signalBytes := 0
	if len(signals) > 0 {
		if raw, err := json.Marshal(signals); err == nil {
			signalBytes = len(raw)
		}
	}
	res.Storage = scrape.NewStorageMetrics(len(in.Content), len(text), signalBytes)
	return res, nil
}

// Confidence computes a detected signal's confidence from its tier and how
// often the matched term occurs.
func Confidence(p intel.Priority, occurrences int) int {
	c := p.BaseConfidence()
	switch {
	case occurrences > 3:
		c += 10
	case occurrences >= 2:
		c += 5
	}
	return min(c, 100)
}

func (c *compiled) detect(text string, in Input) []scrape.ExtractedSignal {
	folded := foldCase(text)
	present := make(map[string]bool)
	if c.matcher != nil {
		for _, hit := range c.matcher.MatchThreadSafe([]byte(folded)) {
			if hit >= 0 && hit < len(c.keywords) {
				present[c.keywords[hit]] = true
			}
		}
	}

	var out []scrape.ExtractedSignal
	for _, s := range c.signals {
		if !s.def.AppliesTo(in.Platform) {
			continue
		}
		sig, ok := s.keywordMatch(text, folded, present)
		if !ok {
			sig, ok = s.regexMatch(text)
		}
		if !ok {
			continue
		}
		sig.SignalID = s.def.ID
		sig.Label = s.def.Label
		if sig.Label == "" {
			sig.Label = s.def.ID
		}
		sig.Priority = string(s.def.Priority)
		sig.ScoreBoost = s.def.ScoreBoost
		sig.Confidence = Confidence(s.def.Priority, sig.Occurrences)
		sig.Platform = in.Platform
		sig.TenantID = in.TenantID
		sig.URL = in.URL
		out = append(out, sig)
	}
	return out
}

func (s compiledSignal) keywordMatch(text, folded string, present map[string]bool) (scrape.ExtractedSignal, bool) {
	for _, kw := range s.keywords {
		if !present[kw] {
			continue
		}
		idx := strings.Index(folded, kw)
		if idx < 0 {
			continue
		}
		return scrape.ExtractedSignal{
			Snippet:     window(text, idx, idx+len(kw), SnippetRadius),
			MatchedTerm: text[idx : idx+len(kw)],
			Occurrences: strings.Count(folded, kw),
		}, true
	}
	return scrape.ExtractedSignal{}, false
}

func (s compiledSignal) regexMatch(text string) (scrape.ExtractedSignal, bool) {
	if s.regex == nil {
		return scrape.ExtractedSignal{}, false
	}
	all := s.regex.FindAllStringIndex(text, -1)
	if len(all) == 0 {
		return scrape.ExtractedSignal{}, false
	}
	match := truncate(text[all[0][0]:all[0][1]], MaxRegexSnippet)
	return scrape.ExtractedSignal{
		Snippet:     match,
		MatchedTerm: match,
		Occurrences: len(all),
	}, true
}

func ruleVars(in Input, c *compiled, signals []scrape.ExtractedSignal) condition.Vars {
	vars := in.Context.Clone()
	if vars == nil {
		vars = condition.Vars{}
	}
	setDefault := func(k string, v condition.Value) {
		if _, ok := vars[k]; !ok {
			vars[k] = v
		}
	}
	setDefault("platform", condition.String(strings.ToLower(in.Platform)))
	setDefault("industry", condition.String(strings.ToLower(in.Intel.Industry)))
	setDefault("signal_count", condition.Number(float64(len(signals))))
	found := make(map[string]bool, len(signals))
	for _, s := range signals {
		found[s.SignalID] = true
	}
	for _, s := range c.signals {
		setDefault("signals."+s.def.ID, condition.Bool(found[s.def.ID]))
	}
	return vars
}

func cacheKey(ri intel.ResearchIntelligence) string {
	if ri.Version <= 0 || ri.UpdatedAt.IsZero() {
		return ""
	}
	return strings.ToLower(ri.Industry) + "@" + strconv.Itoa(ri.Version) + "@" +
		strconv.FormatInt(ri.UpdatedAt.UnixNano(), 10)
}

func (e *Engine) compile(ri intel.ResearchIntelligence) (*compiled, error) {
	key := cacheKey(ri)
	if key != "" {
		e.mu.Lock()
		c, ok := e.cache[key]
		e.mu.Unlock()
		if ok {
			return c, nil
		}
	}

	c := &compiled{}
	patterns := ri.FluffPatterns
	if len(patterns) == 0 {
		patterns = DefaultFluffPatterns
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("fluff pattern %q: %w", p, err)
		}
		c.fluff = append(c.fluff, re)
	}

	seen := make(map[string]struct{})
	for _, def := range ri.Signals {
		cs := compiledSignal{def: def}
		for _, kw := range def.Keywords {
			norm := foldCase(strings.TrimSpace(kw))
			if norm == "" {
				continue
			}
			cs.keywords = append(cs.keywords, norm)
			if _, dup := seen[norm]; !dup {
				seen[norm] = struct{}{}
				c.keywords = append(c.keywords, norm)
			}
		}
		if def.Regex != "" {
			re, err := regexp.Compile(def.Regex)
			if err != nil {
				return nil, fmt.Errorf("signal %q regex: %w", def.ID, err)
			}
			cs.regex = re
		}
		c.signals = append(c.signals, cs)
	}
	if len(c.keywords) > 0 {
		c.matcher = ahocorasick.NewStringMatcher(c.keywords)
	}

	for _, r := range ri.ScoringRules {
		expr, err := condition.Parse(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.ID, err)
		}
		c.rules = append(c.rules, compiledRule{rule: r, expr: expr})
	}

	if key != "" {
		e.mu.Lock()
		e.cache[key] = c
		e.mu.Unlock()
	}
	return c, nil
}
