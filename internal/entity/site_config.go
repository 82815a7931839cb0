package entity

// SelectorSet holds the CSS selectors applied to a product page.
// A selector may end in "@attr" to read an attribute instead of the text.
type SelectorSet struct {
	Name   string `json:"name"`
	Price  string `json:"price"`
	Stock  string `json:"stock"`
	Seller string `json:"seller,omitempty"`
}

// SiteConfiguration mirrors the `site_configurations` table. It is owned by
// the catalog and read-only here.
type SiteConfiguration struct {
	ID        int64
	Domain    string
	Selectors SelectorSet
	Locale    string // BCP 47 tag, e.g. "de-DE"
	RenderJS  bool
}
