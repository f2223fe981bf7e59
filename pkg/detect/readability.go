package detect

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/crawlkit/taskcrawl/pkg/utils"
)

// Readable extracts the main content of doc with Mozilla's readability
// algorithm. It returns the content as a selection and the article title,
// falling back to the document's <title>.
func Readable(doc *goquery.Document, pageURL *url.URL) (*goquery.Selection, string, error) {
	raw, err := doc.Html()
	if err != nil {
		return nil, "", fmt.Errorf("%w: rendering HTML: %v", utils.ErrParsing, err)
	}
	article, err := readability.FromReader(strings.NewReader(raw), pageURL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: readability: %v", utils.ErrParsing, err)
	}
	if strings.TrimSpace(article.Content) == "" {
		return nil, "", fmt.Errorf("%w: readability found no content", utils.ErrParsing)
	}

	contentDoc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if err != nil {
		return nil, "", fmt.Errorf("%w: readability output: %v", utils.ErrParsing, err)
	}
	content := contentDoc.Find("body").Children()
	if content.Length() == 0 {
		content = contentDoc.Find("body")
	}

	title := strings.TrimSpace(article.Title)
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	return content, title, nil
}
