package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"polymarket-sentry/internal/config"
	"polymarket-sentry/internal/exchange"
	"polymarket-sentry/internal/notify"
	"polymarket-sentry/internal/state"
	"polymarket-sentry/internal/universe"
	"polymarket-sentry/pkg/types"
)

const embedBatchSize = 100

// candidate is one market that survived the ingest filter.
type candidate struct {
	info      types.MarketInfo
	eventSlug string
	isNew     bool // never seen before this scan
	vector    []float64
}

// Pipeline runs one discovery scan: ingest, embed, cluster, evaluate pairs,
// register opportunities.
type Pipeline struct {
	client        *exchange.Client
	chat          ChatProvider
	embed         EmbeddingProvider
	st            *state.State
	notifier      notify.Notifier
	cfg           config.DiscoveryConfig
	relationsPath string
	seed          int64
	logger        *slog.Logger
	now           func() time.Time
}

// NewPipeline wires a discovery pipeline. The seed fixes the k-means
// partition for a given market set.
func NewPipeline(
	client *exchange.Client,
	chat ChatProvider,
	embed EmbeddingProvider,
	st *state.State,
	notifier notify.Notifier,
	cfg config.DiscoveryConfig,
	relationsPath string,
	seed int64,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		client:        client,
		chat:          chat,
		embed:         embed,
		st:            st,
		notifier:      notifier,
		cfg:           cfg,
		relationsPath: relationsPath,
		seed:          seed,
		logger:        logger.With("component", "discovery"),
		now:           time.Now,
	}
}

// Run executes one full scan. Errors from individual pair evaluations are
// logged and skipped; only ingest failures abort the scan.
func (p *Pipeline) Run(ctx context.Context) error {
	start := p.now()

	events, err := p.client.FetchActiveEvents(ctx)
	if err != nil {
		return fmt.Errorf("discovery ingest: %w", err)
	}

	candidates, err := p.ingest(events)
	if err != nil {
		return err
	}
	p.logger.Info("discovery scan started",
		"events", len(events),
		"candidates", len(candidates),
	)
	if len(candidates) < 2 {
		return nil
	}

	clusters := p.cluster(ctx, candidates)

	registered := 0
	for _, members := range clusters {
		n, err := p.evaluateCluster(ctx, members)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("cluster evaluation failed", "error", err)
			continue
		}
		registered += n
	}

	if removed, err := p.st.CleanupEndedMarkets(time.Duration(p.cfg.RetentionDays) * 24 * time.Hour); err != nil {
		p.logger.Warn("cache cleanup failed", "error", err)
	} else if removed > 0 {
		p.logger.Info("purged ended markets from cache", "removed", removed)
	}

	p.logger.Info("discovery scan finished",
		"registered", registered,
		"duration", p.now().Sub(start).Round(time.Millisecond),
	)
	return nil
}

// ingest flattens events to candidate markets: excluded categories, nearly
// ended markets, and thin markets are dropped. Newness is captured before the
// seen-market mark so re-evaluation rules see this scan's arrivals.
func (p *Pipeline) ingest(events []types.GammaEvent) ([]candidate, error) {
	now := p.now()
	minEnd := now.Add(time.Duration(p.cfg.MinDaysToEnd) * 24 * time.Hour)

	var out []candidate
	for _, evt := range events {
		tagText := evt.Title
		for _, t := range evt.Tags {
			tagText += " " + t.Label
		}
		if universe.ExcludedCategory(tagText) {
			continue
		}

		tags := make([]string, 0, len(evt.Tags))
		for _, t := range evt.Tags {
			tags = append(tags, t.Label)
		}

		for _, gm := range evt.Markets {
			info, ok := exchange.ConvertMarket(gm, tags)
			if !ok || info.Closed {
				continue
			}
			if info.EndDate.IsZero() || info.EndDate.Before(minEnd) {
				continue
			}
			if info.Volume24h < p.cfg.MinVolume24h {
				continue
			}

			c := candidate{
				info:      info,
				eventSlug: evt.Slug,
				isNew:     p.st.IsMarketNew(info.ID),
			}
			if err := p.st.MarkMarketSeen(info.ID, info.Question, info.EndDate); err != nil {
				return nil, fmt.Errorf("mark market seen: %w", err)
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// cluster groups candidates by embedding similarity. When embeddings cannot
// be produced the pipeline degrades to rule-based topic grouping rather than
// skipping the scan.
func (p *Pipeline) cluster(ctx context.Context, candidates []candidate) [][]candidate {
	if err := p.fillEmbeddings(ctx, candidates); err != nil {
		p.logger.Warn("embedding failed, falling back to topic grouping", "error", err)
		return topicGroups(candidates)
	}

	vectors := make([][]float64, len(candidates))
	for i := range candidates {
		vectors[i] = candidates[i].vector
	}

	k := clusterCount(len(candidates))
	assign := kMeans(vectors, k, 10, rand.New(rand.NewSource(p.seed)))

	groups := make(map[int][]candidate)
	for i, c := range assign {
		groups[c] = append(groups[c], candidates[i])
	}

	out := make([][]candidate, 0, len(groups))
	keys := make([]int, 0, len(groups))
	for c := range groups {
		keys = append(keys, c)
	}
	sort.Ints(keys)
	for _, c := range keys {
		members := groups[c]
		if len(members) >= 2 {
			p.logCluster(ctx, c, members)
		}
		out = append(out, members)
	}
	return out
}

// fillEmbeddings loads cached vectors and fetches the rest in batches.
func (p *Pipeline) fillEmbeddings(ctx context.Context, candidates []candidate) error {
	var missing []int
	for i := range candidates {
		if v := p.st.GetEmbedding(candidates[i].info.ID); v != nil {
			candidates[i].vector = v
		} else {
			missing = append(missing, i)
		}
	}

	for start := 0; start < len(missing); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]

		texts := make([]string, len(batch))
		for j, idx := range batch {
			texts[j] = candidates[idx].info.Question
		}

		vectors, err := p.embed.Embed(ctx, texts)
		if err != nil {
			return err
		}
		for j, idx := range batch {
			candidates[idx].vector = vectors[j]
			if err := p.st.SaveEmbedding(candidates[idx].info.ID, vectors[j]); err != nil {
				return err
			}
		}
	}

	// Reject mixed dimensionality outright; distance over ragged vectors is
	// meaningless.
	dim := -1
	for i := range candidates {
		if dim == -1 {
			dim = len(candidates[i].vector)
		} else if len(candidates[i].vector) != dim {
			return fmt.Errorf("embedding dimension mismatch: %d vs %d", len(candidates[i].vector), dim)
		}
	}
	return nil
}

const labelSystemPrompt = `You classify prediction markets into exactly one topic from this list:
elections, legislation, legal, monetary-policy, macro, geopolitics, crypto-regulation, other.
Reply with the single topic word only.`

// logCluster asks the LLM for a taxonomy label. Best effort: labels inform
// operators reading the log, not the pair evaluation.
func (p *Pipeline) logCluster(ctx context.Context, id int, members []candidate) {
	sample := members
	if len(sample) > 5 {
		sample = sample[:5]
	}
	questions := make([]string, len(sample))
	for i, c := range sample {
		questions[i] = c.info.Question
	}

	label := "unlabeled"
	if reply, err := p.chat.Complete(ctx, labelSystemPrompt, strings.Join(questions, "\n")); err == nil {
		if l := strings.ToLower(strings.TrimSpace(StripCodeFence(reply))); l != "" && len(l) < 40 {
			label = l
		}
	}
	p.logger.Info("cluster formed", "cluster", id, "label", label, "markets", len(members))
}

const pairSystemPrompt = `You analyze pairs of prediction markets for resolution linkage.
Given two markets, decide whether knowing the first market's resolution gives a trading edge on the second.
Respond with JSON only, no prose, using exactly these fields:
{"isSameEvent": bool, "areMutuallyExclusive": bool, "relationshipType": "SAME_OUTCOME"|"DIFFERENT_OUTCOME"|"UNRELATED", "confidenceScore": 0.0-1.0, "tradingRationale": string, "expectedEdge": string}
isSameEvent means both markets settle on the same underlying event and offer no lead time.`

// evaluateCluster evaluates pairs within one cluster, reusing cached verdicts
// when neither endpoint is new. Returns how many opportunities it registered.
func (p *Pipeline) evaluateCluster(ctx context.Context, members []candidate) (int, error) {
	if len(members) < 2 {
		return 0, nil
	}

	registered := 0
	llmCalls := 0
	for i := 0; i < len(members) && llmCalls < p.cfg.MaxPairsPerClus; i++ {
		for j := i + 1; j < len(members) && llmCalls < p.cfg.MaxPairsPerClus; j++ {
			a, b := members[i], members[j]

			gapDays := math.Abs(a.info.EndDate.Sub(b.info.EndDate).Hours()) / 24
			if gapDays < p.cfg.MinTimeGapDays {
				continue
			}
			// Equal end dates cannot be oriented into leader and follower.
			if a.info.EndDate.Equal(b.info.EndDate) {
				continue
			}

			var relType types.RelationshipType
			var confidence float64
			var rationale, edge string

			cached := p.st.GetPairResult(a.info.ID, b.info.ID)
			if cached != nil && !a.isNew && !b.isNew {
				relType, confidence = cached.Result, cached.Confidence
			} else {
				llmCalls++
				verdict, parseable := p.evaluatePair(ctx, a.info, b.info)
				if ctx.Err() != nil {
					return registered, ctx.Err()
				}
				relType, confidence = verdictType(verdict), 0
				if verdict != nil {
					confidence = verdict.ConfidenceScore
					rationale, edge = verdict.TradingRationale, verdict.ExpectedEdge
				}
				// Unparseable replies are not cached: the next scan retries.
				if parseable {
					if err := p.st.SavePairResult(a.info.ID, b.info.ID, relType, confidence); err != nil {
						return registered, fmt.Errorf("save pair result: %w", err)
					}
				}
			}

			if relType != types.RelSameOutcome && relType != types.RelDifferentOutcome {
				continue
			}
			if confidence < p.cfg.MinConfidence {
				continue
			}

			rel := orientRelation(a, b, relType, confidence, rationale, edge, gapDays)
			added, err := p.st.AddOpportunity(rel)
			if err != nil {
				return registered, fmt.Errorf("register opportunity: %w", err)
			}
			if !added {
				continue
			}
			registered++

			if err := p.appendRelation(rel); err != nil {
				p.logger.Warn("relations log append failed", "error", err)
			}
			p.announce(ctx, rel)
		}
	}
	return registered, nil
}

// evaluatePair asks the LLM for a verdict. The second return reports whether
// the reply parsed; an unparseable reply degrades to UNRELATED with zero
// confidence.
func (p *Pipeline) evaluatePair(ctx context.Context, m1, m2 types.MarketInfo) (*PairVerdict, bool) {
	user := fmt.Sprintf(
		"Market A: %q (resolves %s)\nMarket B: %q (resolves %s)",
		m1.Question, m1.EndDate.Format("2006-01-02"),
		m2.Question, m2.EndDate.Format("2006-01-02"),
	)

	reply, err := p.chat.Complete(ctx, pairSystemPrompt, user)
	if err != nil {
		p.logger.Warn("pair evaluation request failed", "error", err)
		return nil, false
	}

	verdict, err := ParsePairVerdict(reply)
	if err != nil {
		p.logger.Warn("pair evaluation reply unparseable", "error", err)
		return nil, false
	}
	return verdict, true
}

// verdictType normalizes an LLM verdict into the relationship enum. Same-event
// pairs are rejected regardless of the claimed relationship: they offer no
// lead time to trade on.
func verdictType(v *PairVerdict) types.RelationshipType {
	if v == nil {
		return types.RelUnrelated
	}
	if v.IsSameEvent {
		return types.RelSameEventReject
	}
	switch types.RelationshipType(strings.ToUpper(strings.TrimSpace(v.RelationshipType))) {
	case types.RelSameOutcome:
		return types.RelSameOutcome
	case types.RelDifferentOutcome:
		return types.RelDifferentOutcome
	}
	return types.RelUnrelated
}

// orientRelation orders the pair by end date: the earlier-resolving market
// leads.
func orientRelation(a, b candidate, relType types.RelationshipType, confidence float64, rationale, edge string, gapDays float64) types.MarketRelation {
	leader, follower := a, b
	if b.info.EndDate.Before(a.info.EndDate) {
		leader, follower = b, a
	}
	return types.MarketRelation{
		LeaderID:         leader.info.ID,
		FollowerID:       follower.info.ID,
		LeaderQuestion:   leader.info.Question,
		FollowerQuestion: follower.info.Question,
		LeaderEndDate:    leader.info.EndDate,
		FollowerEndDate:  follower.info.EndDate,
		Relationship:     relType,
		Confidence:       confidence,
		Rationale:        rationale,
		ExpectedEdge:     edge,
		TimeGapDays:      gapDays,
		SeriesID:         seriesID(leader, follower),
	}
}

// seriesID tags relations whose markets belong to one dated series so the
// monitor can cascade a resolution to later siblings.
func seriesID(a, b candidate) string {
	if a.eventSlug != "" && a.eventSlug == b.eventSlug {
		return a.eventSlug
	}
	if stem := questionStem(a.info.Question, b.info.Question); stem != "" {
		return stem
	}
	return ""
}

// questionStem returns the shared word prefix of two questions when it is
// long enough to identify a series, e.g. "Fed cuts rates by".
func questionStem(q1, q2 string) string {
	w1 := strings.Fields(strings.ToLower(q1))
	w2 := strings.Fields(strings.ToLower(q2))
	var shared []string
	for i := 0; i < len(w1) && i < len(w2); i++ {
		if w1[i] != w2[i] {
			break
		}
		shared = append(shared, w1[i])
	}
	stem := strings.Join(shared, " ")
	if len(shared) < 3 || len(stem) < 12 {
		return ""
	}
	return stem
}

// appendRelation writes one relation as a JSONL line, append-only.
func (p *Pipeline) appendRelation(rel types.MarketRelation) error {
	if p.relationsPath == "" {
		return nil
	}
	if dir := filepath.Dir(p.relationsPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(p.relationsPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(rel)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func (p *Pipeline) announce(ctx context.Context, rel types.MarketRelation) {
	msg := fmt.Sprintf(
		"🔗 New leader-follower pair (%s, confidence %.2f)\nLeader: %s (ends %s)\nFollower: %s (ends %s)\nGap: %.1f days",
		rel.Relationship, rel.Confidence,
		rel.LeaderQuestion, rel.LeaderEndDate.Format("2006-01-02"),
		rel.FollowerQuestion, rel.FollowerEndDate.Format("2006-01-02"),
		rel.TimeGapDays,
	)
	if err := p.notifier.Send(ctx, msg); err != nil {
		p.logger.Warn("pair notification failed", "error", err)
	}
}

// topicGroups is the embedding-free fallback: group candidates by a keyword
// topic so pair evaluation still runs, just with coarser clusters.
func topicGroups(candidates []candidate) [][]candidate {
	groups := make(map[string][]candidate)
	for _, c := range candidates {
		groups[topicOf(c.info.Question)] = append(groups[topicOf(c.info.Question)], c)
	}

	topics := make([]string, 0, len(groups))
	for t := range groups {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	out := make([][]candidate, 0, len(groups))
	for _, t := range topics {
		out = append(out, groups[t])
	}
	return out
}

var topicKeywords = []struct {
	topic string
	words []string
}{
	{"elections", []string{"election", "president", "senate", "governor", "primary", "ballot", "nominee"}},
	{"monetary-policy", []string{"fed", "fomc", "rate cut", "rate hike", "interest rate", "inflation"}},
	{"legal", []string{"lawsuit", "indicted", "supreme court", "ruling", "verdict", "pardon", "charges"}},
	{"geopolitics", []string{"war", "ceasefire", "invasion", "nato", "treaty", "nuclear", "sanction"}},
	{"crypto-regulation", []string{"etf approval", "sec", "stablecoin", "crypto regulation"}},
}

func topicOf(question string) string {
	q := strings.ToLower(question)
	for _, tk := range topicKeywords {
		for _, w := range tk.words {
			if strings.Contains(q, w) {
				return tk.topic
			}
		}
	}
	return "other"
}
