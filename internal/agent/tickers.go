package agent

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
	"gopkg.in/yaml.v3"
)

// symbolPattern bounds what counts as a plausible ticker: uppercase, at most
// six characters, dots allowed for share classes (BRK.B).
var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,5}$`)

const (
	// phoneticThreshold is the minimum Jaro-Winkler score for a company name
	// that shares a Double Metaphone code with the input.
	phoneticThreshold = 0.70

	// fuzzyThreshold applies when no phonetic overlap exists; only very close
	// spellings are accepted then.
	fuzzyThreshold = 0.85
)

// builtinTickers maps lowercase company names to their primary US listing.
var builtinTickers = map[string]string{
	"apple":                  "AAPL",
	"microsoft":              "MSFT",
	"google":                 "GOOGL",
	"alphabet":               "GOOGL",
	"amazon":                 "AMZN",
	"meta":                   "META",
	"facebook":               "META",
	"tesla":                  "TSLA",
	"nvidia":                 "NVDA",
	"netflix":                "NFLX",
	"advanced micro devices": "AMD",
	"intel":                  "INTC",
	"ibm":                    "IBM",
	"oracle":                 "ORCL",
	"salesforce":             "CRM",
	"adobe":                  "ADBE",
	"qualcomm":               "QCOM",
	"broadcom":               "AVGO",
	"cisco":                  "CSCO",
	"paypal":                 "PYPL",
	"shopify":                "SHOP",
	"uber":                   "UBER",
	"airbnb":                 "ABNB",
	"coinbase":               "COIN",
	"palantir":               "PLTR",
	"snowflake":              "SNOW",
	"boeing":                 "BA",
	"disney":                 "DIS",
	"nike":                   "NKE",
	"starbucks":              "SBUX",
	"mcdonalds":              "MCD",
	"walmart":                "WMT",
	"costco":                 "COST",
	"target":                 "TGT",
	"visa":                   "V",
	"mastercard":             "MA",
	"jpmorgan":               "JPM",
	"goldman sachs":          "GS",
	"bank of america":        "BAC",
	"berkshire hathaway":     "BRK.B",
	"exxon":                  "XOM",
	"chevron":                "CVX",
	"pfizer":                 "PFE",
	"moderna":                "MRNA",
	"johnson & johnson":      "JNJ",
	"johnson and johnson":    "JNJ",
}

// TickerMap resolves company names and near-miss ticker spellings to
// canonical tickers. It is read-only after construction and safe for
// concurrent use. Ambiguous names are resolved to the US primary listing by
// construction of the map itself.
type TickerMap struct {
	names   map[string]string
	symbols map[string]struct{}
}

// NewTickerMap builds a resolver over the built-in company table.
func NewTickerMap() *TickerMap {
	m := &TickerMap{
		names:   make(map[string]string, len(builtinTickers)),
		symbols: make(map[string]struct{}, len(builtinTickers)),
	}
	for name, sym := range builtinTickers {
		m.names[name] = sym
		m.symbols[sym] = struct{}{}
	}
	return m
}

// LoadFile merges a YAML name → ticker file into the map. File entries
// override built-ins. Every symbol must match the ticker shape; all problems
// are reported in one joined error and nothing is merged on failure.
func (m *TickerMap) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("agent: read tickers file: %w", err)
	}

	var entries map[string]string
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("agent: parse tickers file: %w", err)
	}

	var errs []error
	for name, sym := range entries {
		name = strings.ToLower(strings.TrimSpace(name))
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if name == "" {
			errs = append(errs, fmt.Errorf("entry for %q has an empty name", sym))
			continue
		}
		if !symbolPattern.MatchString(sym) {
			errs = append(errs, fmt.Errorf("entry %q: invalid symbol %q", name, sym))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("agent: tickers file %s: %w", path, errors.Join(errs...))
	}

	for name, sym := range entries {
		name = strings.ToLower(strings.TrimSpace(name))
		sym = strings.ToUpper(strings.TrimSpace(sym))
		m.names[name] = sym
		m.symbols[sym] = struct{}{}
	}
	return nil
}

// Len returns the number of known company names.
func (m *TickerMap) Len() int { return len(m.names) }

// Resolve maps raw text to a canonical ticker. Resolution order: exact
// symbol, exact company name, phonetic name match (for ASR mishearings like
// "teslar"), and finally pass-through of anything already shaped like a
// ticker. The backend reports tickers it does not know, so pass-through is
// safe.
func (m *TickerMap) Resolve(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}

	upper := strings.ToUpper(trimmed)
	if _, ok := m.symbols[upper]; ok {
		return upper, true
	}

	lower := strings.ToLower(trimmed)
	if sym, ok := m.names[lower]; ok {
		return sym, true
	}

	if sym, ok := m.phoneticMatch(lower); ok {
		return sym, true
	}

	if symbolPattern.MatchString(upper) {
		return upper, true
	}
	return "", false
}

// phoneticMatch finds the known company name most similar to the input.
// Candidates that share a Double Metaphone code with the input qualify at
// phoneticThreshold; others need the stricter fuzzyThreshold. Ranking is by
// Jaro-Winkler over full strings, concatenated tokens, and token pairs.
func (m *TickerMap) phoneticMatch(input string) (string, bool) {
	inputTokens := strings.Fields(input)
	if len(inputTokens) == 0 {
		return "", false
	}
	inputCodes := metaphoneCodes(inputTokens)

	var (
		bestSym      string
		bestScore    float64
		bestPhonetic bool
	)
	for name, sym := range m.names {
		nameTokens := strings.Fields(name)
		overlap := codesOverlap(inputCodes, metaphoneCodes(nameTokens))
		score := bestSimilarity(inputTokens, nameTokens, input, name)

		switch {
		case overlap && score >= phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				bestSym, bestScore, bestPhonetic = sym, score, true
			}
		case !overlap && !bestPhonetic && score >= fuzzyThreshold && score > bestScore:
			bestSym, bestScore = sym, score
		}
	}
	return bestSym, bestSym != ""
}

// metaphoneCodes returns the union of Double Metaphone codes of the tokens.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestSimilarity is the highest Jaro-Winkler score across full strings,
// space-stripped strings, and all token pairs. The extra strategies handle
// recognizers that split or join words ("coin base" vs "coinbase").
func bestSimilarity(inputTokens, nameTokens []string, inputFull, nameFull string) float64 {
	score := matchr.JaroWinkler(inputFull, nameFull, false)

	if len(inputTokens) > 1 || len(nameTokens) > 1 {
		joined1 := strings.Join(inputTokens, "")
		joined2 := strings.Join(nameTokens, "")
		if s := matchr.JaroWinkler(joined1, joined2, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, nt := range nameTokens {
			if s := matchr.JaroWinkler(it, nt, false); s > score {
				score = s
			}
		}
	}
	return score
}
