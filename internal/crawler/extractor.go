package crawler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/user/price-scraper-service/internal/entity"
)

var attrNameRe = regexp.MustCompile(`^[A-Za-z_:][-A-Za-z0-9_:.]*$`)

// Extractor applies a selector set to an HTML document.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract returns the name, price, stock and optional seller found in
// htmlContent. A missing required field is an EXTRACTION failure and an
// unparseable price a PARSE failure.
func (e *Extractor) Extract(htmlContent string, selectors entity.SelectorSet, locale string) (*entity.ExtractedFields, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, entity.NewScrapeError(entity.CategoryExtraction, "INVALID_DOCUMENT", 0, err)
	}

	fields := &entity.ExtractedFields{}
	required := []struct {
		name     string
		selector string
		dst      *string
	}{
		{"name", selectors.Name, &fields.Name},
		{"price", selectors.Price, &fields.PriceText},
		{"stock", selectors.Stock, &fields.Stock},
	}
	for _, r := range required {
		value, ok := selectValue(doc, r.selector)
		if !ok {
			return nil, entity.NewScrapeError(entity.CategoryExtraction, "MISSING_"+strings.ToUpper(r.name), 0,
				fmt.Errorf("selector %q for %s matched nothing", r.selector, r.name))
		}
		*r.dst = value
	}
	if seller, ok := selectValue(doc, selectors.Seller); ok {
		fields.SellerOnPage = seller
	}

	price, err := ParsePrice(fields.PriceText, locale)
	if err != nil {
		return nil, err
	}
	fields.Price = &price
	return fields, nil
}

// selectValue evaluates selector against doc. A trailing "@attr" reads the
// attribute of the first match instead of its text.
func selectValue(doc *goquery.Document, selector string) (string, bool) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return "", false
	}

	attr := ""
	if i := strings.LastIndex(selector, "@"); i > 0 && attrNameRe.MatchString(selector[i+1:]) {
		selector, attr = strings.TrimSpace(selector[:i]), selector[i+1:]
	}

	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", false
	}

	var value string
	if attr != "" {
		v, exists := sel.Attr(attr)
		if !exists {
			return "", false
		}
		value = v
	} else {
		value = sel.Text()
	}
	value = strings.Join(strings.Fields(value), " ")
	return value, value != ""
}
