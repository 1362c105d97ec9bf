package hints

import (
	"net/url"
	"sort"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const resolveCacheSize = 256

type siteSet struct {
	bySite map[string]*SiteHintFile
	keys   []string // sorted, for deterministic substring matching
	// resolved memoises fuzzy lookups; it lives and dies with the set.
	resolved *lru.Cache[string, string]
}

// Store holds the loaded hint files. Readers never block on a reload.
type Store struct {
	sites atomic.Pointer[siteSet]
}

func NewStore(files ...*SiteHintFile) *Store {
	s := &Store{}
	s.Replace(files)
	return s
}

// Replace swaps in a new set of hint files.
func (s *Store) Replace(files []*SiteHintFile) {
	cache, err := lru.New[string, string](resolveCacheSize)
	if err != nil {
		panic(err) // only fails for non-positive sizes
	}
	set := &siteSet{bySite: make(map[string]*SiteHintFile, len(files)), resolved: cache}
	for _, f := range files {
		set.bySite[f.Site] = f
	}
	for k := range set.bySite {
		set.keys = append(set.keys, k)
	}
	sort.Strings(set.keys)
	s.sites.Store(set)
}

func (s *Store) Len() int {
	return len(s.sites.Load().bySite)
}

// Lookup finds the hint file for site: exact match first, then a hostname
// substring match in either direction, so "www." prefixes and "/jobs" style
// suffixes still resolve.
//
// The substring rule can pair unrelated sites with overlapping names
// ("indeed.com" vs "notindeed.com"); it is kept loose on purpose until hint
// files carry explicit host aliases.
func (s *Store) Lookup(site, pageURL string) (*SiteHintFile, bool) {
	set := s.sites.Load()
	if f, ok := set.bySite[site]; ok {
		return f, true
	}

	candidates := make([]string, 0, 2)
	if host := hostname(pageURL); host != "" {
		candidates = append(candidates, host)
	}
	if raw := strings.ToLower(strings.TrimSpace(site)); raw != "" {
		candidates = append(candidates, raw)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	cacheKey := strings.Join(candidates, "|")
	if key, ok := set.resolved.Get(cacheKey); ok {
		f, found := set.bySite[key]
		return f, found
	}
	for _, key := range set.keys {
		for _, c := range candidates {
			if strings.Contains(c, key) || strings.Contains(key, c) {
				set.resolved.Add(cacheKey, key)
				return set.bySite[key], true
			}
		}
	}
	set.resolved.Add(cacheKey, "")
	return nil, false
}

func hostname(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
