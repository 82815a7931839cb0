package crawler

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/text/language"
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
}

// ProfileRotator hands out browser identities for scrape commands.
type ProfileRotator struct {
	userAgents []string
	mu         sync.Mutex
	rng        *rand.Rand
}

// NewProfileRotator uses the built-in user agents when none are given.
func NewProfileRotator(userAgents ...string) *ProfileRotator {
	if len(userAgents) == 0 {
		userAgents = defaultUserAgents
	}
	return &ProfileRotator{
		userAgents: userAgents,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns a random user agent and matching request headers for a page in locale.
func (p *ProfileRotator) Next(locale string) (string, map[string]string) {
	p.mu.Lock()
	ua := p.userAgents[p.rng.Intn(len(p.userAgents))]
	p.mu.Unlock()

	return ua, map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": acceptLanguage(locale),
		"Cache-Control":   "no-cache",
	}
}

func acceptLanguage(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil || tag == language.Und {
		return "en-US,en;q=0.9"
	}
	base, _ := tag.Base()
	if tag.String() == base.String() {
		return fmt.Sprintf("%s,en;q=0.8", base)
	}
	return fmt.Sprintf("%s,%s;q=0.9,en;q=0.8", tag, base)
}
