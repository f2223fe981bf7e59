package detect

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// signature lists markers that identify a generator. Any single marker is
// enough.
type signature struct {
	framework     Framework
	selector      string
	attributes    []string // Attribute presence, e.g. "data-docusaurus"
	classes       []string // Class names; a trailing '*' matches by prefix
	scriptSources []string // Substrings of script src
	markers       []string // Lowercase substrings of the raw HTML
}

func (s *signature) matches(doc *goquery.Document, lowerHTML string) bool {
	for _, attr := range s.attributes {
		if doc.Find("["+attr+"]").Length() > 0 {
			return true
		}
	}
	for _, class := range s.classes {
		if prefix, ok := strings.CutSuffix(class, "*"); ok {
			if hasClassPrefix(doc, prefix) {
				return true
			}
		} else if doc.Find("."+class).Length() > 0 {
			return true
		}
	}
	for _, src := range s.scriptSources {
		found := doc.Find("script[src]").FilterFunction(func(_ int, sel *goquery.Selection) bool {
			v, _ := sel.Attr("src")
			return strings.Contains(v, src)
		})
		if found.Length() > 0 {
			return true
		}
	}
	for _, m := range s.markers {
		if strings.Contains(lowerHTML, m) {
			return true
		}
	}
	return false
}

func hasClassPrefix(doc *goquery.Document, prefix string) bool {
	found := false
	doc.Find("[class]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		classes, _ := sel.Attr("class")
		for _, c := range strings.Fields(classes) {
			if strings.HasPrefix(c, prefix) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// signatures are checked in order; ReadTheDocs precedes Sphinx because RTD
// themes are Sphinx builds.
var signatures = []signature{
	{
		framework:  FrameworkDocusaurus,
		selector:   "article[class*='theme-doc'], .theme-doc-markdown, article.markdown, main article",
		attributes: []string{"data-docusaurus", "data-docusaurus-root-container"},
		classes:    []string{"docusaurus-wrapper", "theme-doc-markdown"},
		markers:    []string{"__docusaurus", "docusaurus.io"},
	},
	{
		framework:  FrameworkMkDocs,
		selector:   "article.md-content__inner, .md-content article, .md-content",
		attributes: []string{"data-md-component", "data-md-color-scheme"},
		classes:    []string{"md-content", "md-main"},
		markers:    []string{"mkdocs", "material for mkdocs"},
	},
	{
		framework:     FrameworkReadTheDocs,
		selector:      ".rst-content, div[role='main'], .document",
		classes:       []string{"rst-content", "wy-nav-content"},
		scriptSources: []string{"readthedocs", "rtd"},
		markers:       []string{"readthedocs.org", "readthedocs.io", "sphinx-rtd-theme"},
	},
	{
		framework:     FrameworkSphinx,
		selector:      "div.document, div.body, article.bd-article, main.bd-main",
		classes:       []string{"sphinxsidebar", "sphinx-tabs"},
		scriptSources: []string{"searchindex.js", "_static/sphinx"},
		markers:       []string{"created using sphinx", "sphinx-doc.org", "_static/alabaster", "_static/pygments"},
	},
	{
		framework: FrameworkGitBook,
		selector:  "section.normal.markdown-section, .page-inner section, main[class*='gitbook']",
		classes:   []string{"gitbook*", "markdown-section"},
		markers:   []string{"gitbook", "gb-page"},
	},
}
