// Package classifier decides whether time spent in a window is productive,
// non-productive or neutral, using the productivity rules synced from the
// server plus the user's own requests.
//
// Browser windows (a URL is known) are matched by domain. Everything else is
// matched by fuzzy comparison of the window title and application name.
package classifier

import (
	"regexp"
	"strings"

	"github.com/Christopher-Hayes/deskmon/internal/domain"
)

const (
	// acceptScore is the minimum score a rule needs to decide the type.
	acceptScore = 0.65
	// titleGoodEnough stops app-name rules from being consulted.
	titleGoodEnough = 0.9
	// appPenalty is applied to app-name scores so title matches win ties.
	appPenalty = 0.95
	// fuzzyMaxLen bounds the positional comparison to short strings.
	fuzzyMaxLen = 15
)

var punctuation = regexp.MustCompile(`[-_.()\[\]]`)

// Result is the outcome of a classification.
type Result struct {
	Type  domain.RuleType
	Score float64
	Rule  *domain.Rule
}

// InScope reports whether a rule applies to userID ("0" means everyone).
func InScope(rule domain.Rule, userID string) bool {
	if rule.ForUser == "" || rule.ForUser == domain.GlobalScope {
		return true
	}
	for _, id := range strings.Split(rule.ForUser, ",") {
		if strings.TrimSpace(id) == userID {
			return true
		}
	}
	return false
}

// Classify returns the productivity type of a window for userID.
func Classify(rules []domain.Rule, userID, appName, title, url string) domain.RuleType {
	return Explain(rules, userID, appName, title, url).Type
}

// Explain is Classify with the winning rule and score.
func Explain(rules []domain.Rule, userID, appName, title, url string) Result {
	scoped := make([]domain.Rule, 0, len(rules))
	for _, r := range rules {
		if InScope(r, userID) {
			scoped = append(scoped, r)
		}
	}
	if strings.TrimSpace(url) != "" {
		return matchDomain(scoped, url)
	}
	return matchApplication(scoped, appName, title)
}

// ExtractDomain lowercases the host of rawURL and strips the scheme, a
// leading "www.", the port, path, query and fragment.
func ExtractDomain(rawURL string) string {
	s := strings.ToLower(strings.TrimSpace(rawURL))
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "www.")
	return strings.TrimSuffix(s, ".")
}

// ruleDomain is the domain a rule targets: its URL, or an app name that
// looks like a host name.
func ruleDomain(r domain.Rule) string {
	if r.URL != "" {
		return ExtractDomain(r.URL)
	}
	name := strings.TrimSpace(r.AppName)
	if strings.Contains(name, ".") && !strings.ContainsAny(name, " \t") {
		return ExtractDomain(name)
	}
	return ""
}

func matchDomain(rules []domain.Rule, url string) Result {
	host := ExtractDomain(url)
	if host == "" {
		return Result{}
	}
	for i := range rules {
		if ruleDomain(rules[i]) == host {
			return Result{Type: rules[i].Type, Score: 1, Rule: &rules[i]}
		}
	}
	for i := range rules {
		d := ruleDomain(rules[i])
		if d == "" {
			continue
		}
		if strings.HasSuffix(host, "."+d) || strings.HasSuffix(d, "."+host) {
			return Result{Type: rules[i].Type, Score: 1, Rule: &rules[i]}
		}
	}
	return Result{}
}

func matchApplication(rules []domain.Rule, appName, title string) Result {
	var best Result
	titlePatterns := SearchPatterns(title)
	for i := range rules {
		if rules[i].WindowTitle == "" {
			continue
		}
		if score := MatchScore(rules[i].WindowTitle, titlePatterns); score > best.Score {
			best = Result{Type: rules[i].Type, Score: score, Rule: &rules[i]}
		}
	}

	if best.Score < titleGoodEnough {
		appPatterns := SearchPatterns(appName)
		for i := range rules {
			if rules[i].WindowTitle != "" {
				continue
			}
			if score := MatchScore(rules[i].AppName, appPatterns) * appPenalty; score > best.Score {
				best = Result{Type: rules[i].Type, Score: score, Rule: &rules[i]}
			}
		}
	}

	if best.Score >= acceptScore {
		return best
	}
	return Result{Score: best.Score}
}

// Normalize lowercases s, collapses whitespace and removes the spaces.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "")
}

// SearchPatterns derives the strings an input is matched with: its
// normalized form, each word of three or more characters when the input has
// several words, and the normalized form without punctuation.
func SearchPatterns(input string) []string {
	normalized := Normalize(input)
	if normalized == "" {
		return nil
	}
	patterns := []string{normalized}
	words := strings.Fields(strings.ToLower(input))
	if len(words) > 1 {
		for _, w := range words {
			if len([]rune(w)) >= 3 {
				patterns = append(patterns, w)
			}
		}
	}
	if cleaned := punctuation.ReplaceAllString(normalized, ""); cleaned != "" && cleaned != normalized {
		patterns = append(patterns, cleaned)
	}
	return patterns
}

// MatchScore scores a rule string against search patterns: 1.0 for an exact
// match, 0.80 to 0.95 when the rule contains a pattern, 0.75 to 0.90 when a
// pattern contains the rule, and at most 0.7 for positional similarity of
// short strings.
func MatchScore(target string, patterns []string) float64 {
	t := []rune(Normalize(target))
	if len(t) == 0 || len(patterns) == 0 {
		return 0
	}
	ts := string(t)
	for _, p := range patterns {
		if p == ts {
			return 1.0
		}
	}
	for _, p := range patterns {
		pr := []rune(p)
		if len(pr) == 0 {
			continue
		}
		if strings.Contains(ts, p) {
			return 0.8 + float64(len(pr))/float64(len(t))*0.15
		}
		if strings.Contains(p, ts) {
			return 0.75 + float64(len(t))/float64(len(pr))*0.15
		}
	}
	if len(t) <= fuzzyMaxLen {
		for _, p := range patterns {
			pr := []rune(p)
			if len(pr) == 0 || len(pr) > fuzzyMaxLen {
				continue
			}
			if sim := positionalSimilarity(t, pr); sim > 0.6 {
				return sim * 0.7
			}
		}
	}
	return 0
}

func positionalSimilarity(a, b []rune) float64 {
	minLen, maxLen := len(a), len(b)
	if minLen > maxLen {
		minLen, maxLen = maxLen, minLen
	}
	common := 0
	for i := 0; i < minLen; i++ {
		if a[i] == b[i] {
			common++
		}
	}
	return float64(common) / float64(maxLen)
}
