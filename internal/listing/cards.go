package listing

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// CSS selectors for Divar post cards.
const (
	CardSelector        = "article.kt-post-card"
	cardActionSelector  = "article.kt-post-card a.kt-post-card__action"
	titleSelector       = ".kt-post-card__title"
	descriptionSelector = ".kt-post-card__description"
	bottomSelector      = ".kt-post-card__bottom-description"
	imageSelector       = ".kt-post-card-thumbnail img.kt-image-block__image"
	tagSelector         = ".kt-post-card__red-text"
)

// CardParser turns a search-results document into listings.
type CardParser struct {
	base *url.URL
}

// NewCardParser returns a parser that resolves root-relative links against baseURL.
func NewCardParser(baseURL string) (*CardParser, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	return &CardParser{base: base}, nil
}

// Parse reads an HTML document and returns one listing per card, in document order.
// Cards whose link cannot be resolved are skipped.
func (p *CardParser) Parse(r io.Reader, pageURL string) ([]Listing, error) {
	page, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var rows []Listing
	doc.Find(cardActionSelector).Each(func(_ int, a *goquery.Selection) {
		row, ok := p.parseCard(a, page)
		if ok {
			rows = append(rows, row)
		}
	})
	return rows, nil
}

// ParseHTML is Parse for an in-memory document.
func (p *CardParser) ParseHTML(doc, pageURL string) ([]Listing, error) {
	return p.Parse(strings.NewReader(doc), pageURL)
}

func (p *CardParser) parseCard(a *goquery.Selection, page *url.URL) (Listing, bool) {
	href := a.AttrOr("href", "")
	ref, err := url.Parse(href)
	if err != nil {
		return Listing{}, false
	}
	base := page
	if strings.HasPrefix(href, "/") {
		base = p.base
	}

	var descs []string
	a.Find(descriptionSelector).Each(func(_ int, d *goquery.Selection) {
		descs = append(descs, strippedText(d))
	})
	var kmText, priceText string
	if len(descs) >= 1 {
		kmText = descs[0]
	}
	if len(descs) >= 2 {
		priceText = descs[1]
	}

	bottom := ""
	if el := a.Find(bottomSelector).First(); el.Length() > 0 {
		if title, ok := el.Attr("title"); ok {
			bottom = title
		} else {
			bottom = strippedText(el)
		}
	}

	return Listing{
		Title:     strippedText(a.Find(titleSelector).First()),
		Price:     optionalInt(priceText, ParsePrice),
		PriceText: priceText,
		KM:        optionalInt(kmText, ParseInt),
		KMText:    kmText,
		Bottom:    bottom,
		Tag:       strippedText(a.Find(tagSelector).First()),
		URL:       base.ResolveReference(ref).String(),
		Image:     a.Find(imageSelector).First().AttrOr("src", ""),
	}, true
}

// strippedText concatenates every descendant text node of the first selected
// element after trimming each one, so markup-induced whitespace disappears
// without inserting separators.
func strippedText(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(strings.TrimSpace(n.Data))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(sel.Get(0))
	return b.String()
}
