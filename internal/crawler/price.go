package crawler

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"

	"github.com/user/price-scraper-service/internal/entity"
)

var (
	numberRe   = regexp.MustCompile(`\d(?:[\d.,'’\x{00A0}\x{202F} ]*\d)?`)
	currencyRe = regexp.MustCompile(`(?i)R\$|[$€£¥￥₹₽₩₺₴]|\b(?:USD|EUR|GBP|JPY|CHF|SEK|NOK|DKK|PLN|CZK|HUF|CAD|AUD|BRL|INR|TRY|RON)\b|\bkr\b|zł|Kč`)
	groupChars = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", "'", "", "’", "")
)

// Locales whose decimal separator is a comma, by base language. Regions in
// commaRegionExceptions override this.
var commaDecimalBases = map[string]bool{
	"bg": true, "cs": true, "da": true, "de": true, "el": true, "es": true, "et": true,
	"fi": true, "fr": true, "hr": true, "hu": true, "id": true, "it": true, "lt": true,
	"lv": true, "nb": true, "nl": true, "nn": true, "no": true, "pl": true, "pt": true,
	"ro": true, "ru": true, "sk": true, "sl": true, "sv": true, "tr": true, "uk": true,
	"vi": true,
}

var commaRegionExceptions = map[string]bool{
	"de-CH": true, "it-CH": true, "es-MX": true, "es-US": true,
}

// decimalSeparator returns the decimal separator of locale, and false when
// the locale is empty or not recognized.
func decimalSeparator(locale string) (byte, bool) {
	if strings.TrimSpace(locale) == "" {
		return 0, false
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return 0, false
	}
	base, _ := tag.Base()
	region, _ := tag.Region()
	if commaRegionExceptions[base.String()+"-"+region.String()] {
		return '.', true
	}
	if commaDecimalBases[base.String()] {
		return ',', true
	}
	return '.', true
}

// ParsePrice extracts a decimal price from display text such as "1.299,00 €"
// or "USD 24.99". The number adjacent to a currency marker wins, otherwise
// the first number in the text. The locale picks the decimal separator when
// the number alone is ambiguous.
func ParsePrice(text, locale string) (decimal.Decimal, error) {
	raw, ok := pickNumber(text)
	if !ok {
		return decimal.Decimal{}, priceParseError(text, errors.New("no number found"))
	}
	normalized := normalizeNumber(raw, locale)
	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Decimal{}, priceParseError(text, err)
	}
	return d, nil
}

func priceParseError(text string, err error) error {
	return entity.NewScrapeError(entity.CategoryParse, "PRICE_NOT_NUMERIC", 0,
		fmt.Errorf("parse price %q: %w", text, err))
}

func pickNumber(text string) (string, bool) {
	numbers := numberRe.FindAllStringIndex(text, -1)
	if len(numbers) == 0 {
		return "", false
	}
	currencies := currencyRe.FindAllStringIndex(text, -1)
	for _, n := range numbers {
		for _, c := range currencies {
			if adjacent(text, c[1], n[0]) || adjacent(text, n[1], c[0]) {
				return text[n[0]:n[1]], true
			}
		}
	}
	n := numbers[0]
	return text[n[0]:n[1]], true
}

// adjacent reports whether text[from:to] is at most two blank characters.
func adjacent(text string, from, to int) bool {
	if from > to {
		return false
	}
	gap := strings.Trim(text[from:to], " \t\u00a0\u202f")
	return gap == "" && len([]rune(text[from:to])) <= 2
}

func normalizeNumber(raw, locale string) string {
	s := groupChars.Replace(raw)
	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')

	var dec byte
	switch {
	case lastDot < 0 && lastComma < 0:
		return s
	case lastDot >= 0 && lastComma >= 0:
		dec = s[max(lastDot, lastComma)]
	default:
		sep, idx := byte('.'), lastDot
		if lastComma >= 0 {
			sep, idx = ',', lastComma
		}
		digitsAfter := len(s) - idx - 1
		localeDec, known := decimalSeparator(locale)
		switch {
		case strings.Count(s, string(sep)) > 1:
			dec = 0
		case known && sep == localeDec:
			dec = sep
		case digitsAfter == 3:
			dec = 0
		default:
			dec = sep
		}
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; {
		case ch == dec:
			b.WriteByte('.')
		case ch == '.' || ch == ',':
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
