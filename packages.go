package recargas

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Package is one entry of the carrier's catalog. The carrier is loose about
// types, ids arrive as strings or numbers depending on the backend build, so
// decoding normalizes them.
type Package struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Amount      float64 `json:"amount"`
	Category    string  `json:"category,omitempty"`
}

func (p *Package) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          json.RawMessage `json:"id"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Amount      json.RawMessage `json:"amount"`
		Category    string          `json:"category"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Name = raw.Name
	p.Description = raw.Description
	p.Category = raw.Category
	p.ID = flexibleString(raw.ID)
	p.Amount = flexibleFloat(raw.Amount)
	return nil
}

// flexibleFloat reads a JSON number whether it arrives bare or quoted.
func flexibleFloat(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, err := strconv.ParseFloat(s, 64); err == nil {
			return parsed
		}
	}
	return 0
}

// flexibleString renders a JSON scalar as its string value, with quotes
// stripped for strings.
func flexibleString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// categoryDef pairs a category key with the keywords that route packages
// into it. Order matters: the first category with a matching keyword wins.
type categoryDef struct {
	Key      string
	Title    string
	Keywords []string
}

var packageCategories = []categoryDef{
	{
		Key:      "INTERNET_Y_LLAMADAS",
		Title:    "Internet y Llamadas",
		Keywords: []string{"Internet", "Datos", "MB", "GB", "Minutos", "Combo"},
	},
	{
		Key:      "ILIMITADOS",
		Title:    "Ilimitados",
		Keywords: []string{"Ilimitado", "Unlimited", "Sin límite", "Todo el día"},
	},
	{
		Key:      "VOZ",
		Title:    "Voz",
		Keywords: []string{"Minutos", "Llamadas", "Voz", "Nacional", "Internacional"},
	},
	{
		Key:   "OTROS",
		Title: "Otros",
	},
}

const categoryOther = "OTROS"

// Classifier organizes catalog packages into categories and keeps a short
// per-destination cache so repeat lookups skip the carrier.
type Classifier struct {
	mu    sync.Mutex
	cache map[string]cachedCatalog

	now func() time.Time
}

type cachedCatalog struct {
	fetchedAt time.Time
	packages  []Package
}

const (
	catalogCacheTTL   = 30 * time.Minute
	catalogCacheEvict = time.Hour
)

func NewClassifier() *Classifier {
	return &Classifier{
		cache: make(map[string]cachedCatalog),
		now:   time.Now,
	}
}

// Categorize assigns a category key based on the package name and
// description.
func Categorize(pkg Package) string {
	combined := strings.ToUpper(pkg.Name + " " + pkg.Description)
	for _, cat := range packageCategories {
		for _, keyword := range cat.Keywords {
			if strings.Contains(combined, strings.ToUpper(keyword)) {
				return cat.Key
			}
		}
	}
	return categoryOther
}

// Organize groups packages by category, cheapest first within each group.
// Empty categories are omitted.
func Organize(packages []Package) map[string][]Package {
	organized := make(map[string][]Package)
	for _, pkg := range packages {
		pkg.Category = Categorize(pkg)
		organized[pkg.Category] = append(organized[pkg.Category], pkg)
	}
	for _, group := range organized {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Amount < group[j].Amount
		})
	}
	return organized
}

// FilterByPrice keeps packages whose amount falls within [min, max]. A max
// of 0 means unbounded.
func FilterByPrice(packages []Package, min, max float64) []Package {
	filtered := make([]Package, 0, len(packages))
	for _, pkg := range packages {
		if pkg.Amount < min {
			continue
		}
		if max > 0 && pkg.Amount > max {
			continue
		}
		filtered = append(filtered, pkg)
	}
	return filtered
}

// Search returns packages whose name or description contains the query,
// case-insensitively.
func Search(packages []Package, query string) []Package {
	query = strings.ToLower(query)
	results := make([]Package, 0)
	for _, pkg := range packages {
		if strings.Contains(strings.ToLower(pkg.Name), query) ||
			strings.Contains(strings.ToLower(pkg.Description), query) {
			results = append(results, pkg)
		}
	}
	return results
}

// FindByID locates a package by id, tolerating numeric ids on either side.
func FindByID(packages []Package, id string) (Package, bool) {
	for _, pkg := range packages {
		if pkg.ID == id {
			return pkg, true
		}
		// "5" and "5.0"-style mismatches from numeric ids.
		if a, errA := strconv.ParseFloat(pkg.ID, 64); errA == nil {
			if b, errB := strconv.ParseFloat(id, 64); errB == nil && a == b {
				return pkg, true
			}
		}
	}
	return Package{}, false
}

// CachePackages stores a destination's catalog and evicts stale entries.
func (c *Classifier) CachePackages(destination string, packages []Package) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[destination] = cachedCatalog{fetchedAt: c.now(), packages: packages}

	cutoff := c.now().Add(-catalogCacheEvict)
	for number, entry := range c.cache {
		if entry.fetchedAt.Before(cutoff) {
			delete(c.cache, number)
		}
	}
}

// Cached returns a destination's catalog if fetched within the cache TTL.
func (c *Classifier) Cached(destination string) ([]Package, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[destination]
	if !ok || c.now().Sub(entry.fetchedAt) >= catalogCacheTTL {
		return nil, false
	}
	return entry.packages, true
}
