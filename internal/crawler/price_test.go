package crawler

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/user/price-scraper-service/internal/entity"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		text   string
		locale string
		want   string
	}{
		{"$1,299.99", "", "1299.99"},
		{"1.299,00 €", "de-DE", "1299"},
		{"€ 12,50", "", "12.50"},
		{"1.234", "de-DE", "1234"},
		{"1.234", "", "1234"},
		{"12.999", "en-US", "12.999"},
		{"CHF 1'299.50", "de-CH", "1299.50"},
		{"1 234,56 ₽", "ru-RU", "1234.56"},
		{"12.345.678", "", "12345678"},
		{"Was 29,99 now 19,99 zł", "pl-PL", "19.99"},
		{"2 items for USD 24.99", "en", "24.99"},
		{"19.99", "", "19.99"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := ParsePrice(tt.text, tt.locale)
			if err != nil {
				t.Fatalf("ParsePrice(%q, %q) error: %v", tt.text, tt.locale, err)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ParsePrice(%q, %q) = %s, want %s", tt.text, tt.locale, got, tt.want)
			}
		})
	}
}

func TestParsePriceRejectsText(t *testing.T) {
	_, err := ParsePrice("Price on request", "en-US")
	if got := entity.CategoryOf(err); got != entity.CategoryParse {
		t.Errorf("category = %s, want PARSE", got)
	}
}

func TestAcceptLanguage(t *testing.T) {
	for locale, want := range map[string]string{
		"de-DE": "de-DE,de;q=0.9,en;q=0.8",
		"fr":    "fr,en;q=0.8",
		"":      "en-US,en;q=0.9",
	} {
		if got := acceptLanguage(locale); got != want {
			t.Errorf("acceptLanguage(%q) = %q, want %q", locale, got, want)
		}
	}
}

func TestProfileRotatorUsesGivenAgents(t *testing.T) {
	ua, headers := NewProfileRotator("agent-a").Next("it-IT")
	if ua != "agent-a" {
		t.Errorf("user agent = %q", ua)
	}
	if headers["Accept-Language"] != "it-IT,it;q=0.9,en;q=0.8" {
		t.Errorf("Accept-Language = %q", headers["Accept-Language"])
	}
}
