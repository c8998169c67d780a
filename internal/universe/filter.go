// Package universe decides which markets the engine watches.
//
// The filter is a pure classifier over question text, tags, volume, and
// time-to-resolution. Exclusion patterns are checked first, then a curated
// inclusion keyword set; anything matching neither is rejected. Accepted
// markets get a priority multiplier used by downstream consumers.
package universe

import (
	"regexp"
	"strings"
	"time"
)

// exclusionPatterns reject whole categories where trade flow carries no
// informed-money signal: sports, entertainment metrics, weather, and
// mechanical price-target markets.
var exclusionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(nba|nfl|mlb|nhl|ufc|premier league|la liga|serie a|bundesliga|champions league|world cup|super bowl|playoffs?|grand slam|wimbledon|olympics?)\b`),
	regexp.MustCompile(`(?i)\b(vs\.?|versus)\b.*\b(win|beat|defeat)\b`),
	regexp.MustCompile(`(?i)\b(box office|billboard|grammy|oscars?|emmy|spotify|streams?|album|movie|tv show)\b`),
	regexp.MustCompile(`(?i)\b(temperature|rainfall|snowfall|hurricane|degrees|weather)\b`),
	regexp.MustCompile(`(?i)\b(bitcoin|btc|eth|ethereum|solana|sol|xrp|doge)\b.*\b(above|below|reach|hit|close at)\b.*\$`),
	regexp.MustCompile(`(?i)\bprice of\b.*\b(above|below|between)\b`),
	regexp.MustCompile(`(?i)\b(follower count|subscriber|retweet|views)\b`),
}

// inclusionKeywords accept the categories where unusual flow is most often
// informed: politics, regulatory and legal action, macro policy, geopolitics,
// elections, and crypto regulation.
var inclusionKeywords = []string{
	"president", "election", "senate", "congress", "parliament", "minister",
	"impeach", "nominee", "cabinet", "governor", "primary", "ballot",
	"sec ", "regulation", "regulatory", "lawsuit", "indicted", "indictment",
	"supreme court", "ruling", "verdict", "pardon", "charges",
	"fed ", "fomc", "interest rate", "rate cut", "rate hike", "inflation",
	"recession", "tariff", "sanction", "gdp", "treasury", "debt ceiling",
	"war", "ceasefire", "invasion", "nato", "treaty", "nuclear",
	"resign", "coup", "summit", "annex",
	"etf approval", "crypto regulation", "stablecoin bill",
}

// hotKeywords upgrade priority to 2.0: events where resolution tends to leak
// early through informed channels.
var hotKeywords = []string{
	"resign", "indicted", "fomc", "ceasefire", "pardon", "coup",
}

// nearTermWindow is the end-date horizon that earns the 1.5 boost.
const nearTermWindow = 7 * 24 * time.Hour

// Result is the filter verdict for one market.
type Result struct {
	InUniverse bool
	Priority   float64 // 1.0, 1.5 or 2.0
}

// Classify decides whether a market is in-universe. Rules run in order:
// exclusions reject, inclusion keywords accept, everything else is rejected.
// The now parameter keeps the classifier deterministic for replay.
func Classify(question, description string, tags []string, endDate time.Time, volume24h float64, now time.Time) Result {
	text := strings.ToLower(question + " " + description + " " + strings.Join(tags, " "))

	for _, p := range exclusionPatterns {
		if p.MatchString(text) {
			return Result{}
		}
	}

	included := false
	for _, kw := range inclusionKeywords {
		if strings.Contains(text, kw) {
			included = true
			break
		}
	}
	if !included {
		return Result{}
	}

	return Result{InUniverse: true, Priority: priority(text, endDate, now)}
}

// ExcludedCategory reports whether text matches any exclusion pattern.
// Discovery runs this over event titles and tags before embedding.
func ExcludedCategory(text string) bool {
	text = strings.ToLower(text)
	for _, p := range exclusionPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func priority(text string, endDate time.Time, now time.Time) float64 {
	for _, kw := range hotKeywords {
		if strings.Contains(text, kw) {
			return 2.0
		}
	}
	if !endDate.IsZero() && endDate.After(now) && endDate.Sub(now) <= nearTermWindow {
		return 1.5
	}
	return 1.0
}
