// Package catalog holds the static route definitions the service classifies
// against, plus the canonical hash of the route set used for drift
// detection. Add, remove, or modify intents here.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Route is one semantic intent: a name plus example utterances, with an
// optional function schema and free-form metadata carried into the index.
type Route struct {
	Name           string
	Utterances     []string
	FunctionSchema map[string]any
	Metadata       map[string]any
}

var errNoUtterances = errors.New("catalog: route has no utterances")

// Validate checks that a route can be indexed.
func Validate(r Route) error {
	if r.Name == "" {
		return errors.New("catalog: route name is empty")
	}
	if strings.HasPrefix(r.Name, "__") {
		// Double-underscore names collide with reserved pseudo-routes.
		return fmt.Errorf("catalog: route name %q is reserved", r.Name)
	}
	if len(r.Utterances) == 0 {
		return fmt.Errorf("%w: %s", errNoUtterances, r.Name)
	}
	for _, u := range r.Utterances {
		if u == "" {
			return fmt.Errorf("catalog: route %s has an empty utterance", r.Name)
		}
	}
	return nil
}

// ValidateAll validates every route and rejects duplicate names.
func ValidateAll(routes []Route) error {
	seen := make(map[string]bool, len(routes))
	for _, r := range routes {
		if err := Validate(r); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("catalog: duplicate route name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Hash returns the canonical SHA-256 hash of a route set: one
// "name:utterance" line per pair, sorted, so the hash is independent of
// route and utterance declaration order. Two route sets hash equal iff
// they index the same (route, utterance) pairs.
func Hash(routes []Route) string {
	var lines []string
	for _, r := range routes {
		for _, u := range r.Utterances {
			lines = append(lines, r.Name+":"+u)
		}
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// Routes returns all semantic routes.
func Routes() []Route {
	politics := Route{
		Name: "politics",
		Utterances: []string{
			"isn't politics the best thing ever",
			"why don't you tell me about your political opinions",
			"don't you just love the president",
			"they're going to destroy this country!",
			"they will save the country!",
		},
	}

	chitchat := Route{
		Name: "chitchat",
		Utterances: []string{
			"how's the weather today?",
			"how are things going?",
			"lovely weather today",
			"the weather is horrendous",
			"let's go to the chippy",
		},
	}

	technicalSupport := Route{
		Name: "technical_support",
		Utterances: []string{
			"my application is crashing",
			"I'm getting an error message",
			"how do I reset my password",
			"the system is running slow",
			"I can't connect to the service",
			"help me troubleshoot this issue",
		},
	}

	billing := Route{
		Name: "billing",
		Utterances: []string{
			"I have a question about my invoice",
			"how do I update my payment method",
			"can I get a refund",
			"what are your pricing plans",
			"I was charged incorrectly",
			"when is my next payment due",
		},
	}

	productInfo := Route{
		Name: "product_info",
		Utterances: []string{
			"what features does your product have",
			"tell me about your enterprise plan",
			"do you have an API",
			"what integrations do you support",
			"is there a free tier available",
			"how does your product compare to competitors",
		},
	}

	return []Route{politics, chitchat, technicalSupport, billing, productInfo}
}
