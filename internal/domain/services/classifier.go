package services

import (
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"
	"time"

	"investigation-lab/internal/domain/models"
)

// canonicalSeparator follows every key and value in the canonical form.
const canonicalSeparator = "\u00c0"

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var (
	ipv4Pattern = regexp.MustCompile(`^([1-9]|[1-9][0-9]|1[0-9][0-9]|2[0-4][0-9]|25[0-5])` +
		`(\.([0-9]|[1-9][0-9]|1[0-9][0-9]|2[0-4][0-9]|25[0-5])){3}$`)

	hashPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^[0-9a-f]{32}(?:[0-9a-f]{8})?$`),  // MD5
		regexp.MustCompile(`^[0-9a-f]{40}(?:[0-9a-f]{8})?$`),  // SHA-1
		regexp.MustCompile(`^[0-9a-f]{64}(?:[0-9a-f]{8})?$`),  // SHA-256
		regexp.MustCompile(`^[0-9a-f]{128}(?:[0-9a-f]{8})?$`), // SHA-512
	}

	emailPattern = regexp.MustCompile(`^(([^<>()\[\]\\.,;:\s@"]+(\.[^<>()\[\]\\.,;:\s@"]+)*)|(".+"))@` +
		`((\[[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\])|(([a-zA-Z\-0-9]+\.)+[a-zA-Z]{2,}))$`)

	searchSeparators = regexp.MustCompile(`[,\s]`)
)

// QueryClassifier turns free-text search tokens into typed requests.
type QueryClassifier struct {
	newID func() string
	now   func() time.Time
}

// NewQueryClassifier creates a classifier with random 8 character ids.
func NewQueryClassifier() *QueryClassifier {
	return &QueryClassifier{
		newID: func() string { return RandomID(8) },
		now:   time.Now,
	}
}

// WithIDGenerator replaces the correlation id generator.
func (c *QueryClassifier) WithIDGenerator(fn func() string) *QueryClassifier {
	c.newID = fn
	return c
}

// WithClock replaces the clock used for query timestamps.
func (c *QueryClassifier) WithClock(fn func() time.Time) *QueryClassifier {
	c.now = fn
	return c
}

// RandomID returns n characters from [A-Za-z0-9].
func RandomID(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = idAlphabet[rand.IntN(len(idAlphabet))]
	}
	return string(b)
}

// SplitSearch splits search box input on commas and whitespace, dropping
// empty tokens.
func SplitSearch(text string) []string {
	var tokens []string
	for _, t := range searchSeparators.Split(text, -1) {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// Classify never fails: anything unrecognised is a host.
func (c *QueryClassifier) Classify(token string) models.IndicatorType {
	if ipv4Pattern.MatchString(token) {
		return models.IndicatorTypeIP
	}
	lower := strings.ToLower(token)
	for _, re := range hashPatterns {
		if re.MatchString(lower) {
			return models.IndicatorTypeHash
		}
	}
	if emailPattern.MatchString(lower) {
		return models.IndicatorTypeEmail
	}
	return models.IndicatorTypeHost
}

// BuildRequest classifies tokens into one request. Tokens of the same class
// accumulate under that class, lowercased and sorted.
func (c *QueryClassifier) BuildRequest(tokens ...string) *Request {
	r := &Request{
		ID:        c.newID(),
		Values:    make(map[models.IndicatorType][]string),
		CreatedAt: c.now(),
	}
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		class := c.Classify(tok)
		if _, ok := r.Values[class]; !ok {
			r.classes = append(r.classes, class)
		}
		r.Values[class] = append(r.Values[class], strings.ToLower(tok))
		sort.Strings(r.Values[class])
		if r.Type == "" {
			r.Type = class
		}
	}
	return r
}

// Request is a classified search: {id: <id>, <class>: [values...]}.
type Request struct {
	ID        string
	Type      models.IndicatorType
	Values    map[models.IndicatorType][]string
	CreatedAt time.Time

	classes []models.IndicatorType
}

// Empty reports whether no token was classified.
func (r *Request) Empty() bool {
	return len(r.classes) == 0
}

// Event expands the request into attribute pairs, id first.
func (r *Request) Event() *models.Event {
	pairs := []models.Pair{{Key: "id", Value: r.ID}}
	for _, class := range r.classes {
		for _, v := range r.Values[class] {
			pairs = append(pairs, models.Pair{Key: string(class), Value: v})
		}
	}
	return models.NewEventFromPairs(pairs...)
}

// Canonical is the key-sorted serialization the fingerprint is taken over.
func (r *Request) Canonical() string {
	var b strings.Builder
	for _, p := range r.Event().Pairs() {
		b.WriteString(p.Key)
		b.WriteString(canonicalSeparator)
		b.WriteString(p.Value)
		b.WriteString(canonicalSeparator)
	}
	return b.String()
}

// Repr renders "key=value, key=value" over the key-sorted pairs. It is the
// body responders parse to run the lookup.
func (r *Request) Repr() string {
	pairs := r.Event().Pairs()
	var b strings.Builder
	for i, p := range pairs {
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
		if i < len(pairs)-1 {
			b.WriteString(", ")
		}
	}
	return b.String()
}

// Fingerprint is the correlation key replies carry back.
func (r *Request) Fingerprint() string {
	return Fingerprint(r.Canonical())
}

// Query builds the record cached for the request.
func (r *Request) Query() *models.Query {
	q := &models.Query{
		Hash:      r.Fingerprint(),
		Type:      r.Type,
		ID:        r.ID,
		Timestamp: r.CreatedAt,
	}
	if values := r.Values[r.Type]; len(values) > 0 {
		q.Query = values[0]
	}
	return q
}
