package access

import (
	"strings"
)

// Routes holds the public and protected path lists. The zero value matches
// nothing. Build it with NewRoutes; the lists are copied and never mutated.
type Routes struct {
	public    []string
	protected []string
}

func NewRoutes(public, protected []string) Routes {
	return Routes{
		public:    normalizeRoutes(public),
		protected: normalizeRoutes(protected),
	}
}

func normalizeRoutes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// IsPublic reports whether path is reachable without a principal.
func (r Routes) IsPublic(path string) bool {
	return matchAny(r.public, path)
}

// IsProtected reports whether path requires an authenticated principal. A
// path may be neither public nor protected.
func (r Routes) IsProtected(path string) bool {
	return matchAny(r.protected, path)
}

func (r Routes) Public() []string    { return append([]string(nil), r.public...) }
func (r Routes) Protected() []string { return append([]string(nil), r.protected...) }

func matchAny(routes []string, path string) bool {
	for _, route := range routes {
		if matchRoute(route, path) {
			return true
		}
	}
	return false
}

// matchRoute matches path against route exactly or as a segment prefix. A
// route ending in "/" (other than the root) only matches paths beneath it,
// never the bare prefix.
func matchRoute(route, path string) bool {
	if len(route) > 1 && strings.HasSuffix(route, "/") {
		return strings.HasPrefix(path, route)
	}
	return path == route || strings.HasPrefix(path, route+"/")
}

// Rule binds a path to a role requirement.
type Rule struct {
	Path        string `yaml:"path" json:"path"`
	Requirement `yaml:",inline"`
}

// Rules is an immutable route -> requirement table.
type Rules struct {
	rules []Rule
}

func NewRules(in []Rule) Rules {
	out := make([]Rule, 0, len(in))
	for _, r := range in {
		r.Path = strings.TrimSpace(r.Path)
		if r.Path == "" {
			continue
		}
		out = append(out, r)
	}
	return Rules{rules: out}
}

// Match returns the most specific rule covering path.
func (rs Rules) Match(path string) (Rule, bool) {
	var (
		best  Rule
		found bool
	)
	for _, r := range rs.rules {
		if !matchRoute(r.Path, path) {
			continue
		}
		if !found || len(r.Path) > len(best.Path) {
			best, found = r, true
		}
	}
	return best, found
}
