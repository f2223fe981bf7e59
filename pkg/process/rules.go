package process

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/crawlkit/taskcrawl/pkg/config"
	"github.com/crawlkit/taskcrawl/pkg/utils"
)

// Rules are the per-task extraction settings.
type Rules struct {
	LinkSelectors   []string // Containers searched for a[href]; empty means body
	PathPrefix      string   // Links outside this path prefix are dropped
	Disallowed      []*regexp.Regexp
	RespectNofollow bool
	MaxDepth        int    // 0 = unlimited
	ContentSelector string // "" disables content extraction; "auto" detects
}

// DefaultRules follow every in-domain link and extract nothing.
func DefaultRules() Rules {
	return Rules{LinkSelectors: []string{"body"}, PathPrefix: "/"}
}

// RulesFromConfig compiles a validated site configuration.
func RulesFromConfig(site config.SiteConfig) (Rules, error) {
	patterns, err := utils.CompileRegexPatterns(site.DisallowedPathPatterns)
	if err != nil {
		return Rules{}, err
	}
	r := Rules{
		LinkSelectors:   site.LinkExtractionSelectors,
		PathPrefix:      site.AllowedPathPrefix,
		Disallowed:      patterns,
		RespectNofollow: site.RespectNofollow,
		MaxDepth:        site.MaxDepth,
	}
	if config.GetEffectiveExtractContent(site) {
		r.ContentSelector = site.ContentSelector
	}
	if len(r.LinkSelectors) == 0 {
		r.LinkSelectors = []string{"body"}
	}
	if r.PathPrefix == "" {
		r.PathPrefix = "/"
	}
	return r, nil
}

// InScope reports whether abs is on domain, under the path prefix and not
// matched by a disallowed pattern.
func (r Rules) InScope(abs, domain string) bool {
	u, err := url.Parse(abs)
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Hostname(), domain) {
		return false
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, r.PathPrefix) {
		return false
	}
	for _, pattern := range r.Disallowed {
		if pattern.MatchString(u.Path) {
			return false
		}
	}
	return true
}
