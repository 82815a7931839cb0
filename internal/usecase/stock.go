package usecase

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	StockInStock    = "IN_STOCK"
	StockOutOfStock = "OUT_OF_STOCK"
	StockLimited    = "LIMITED_STOCK"
	StockPreOrder   = "PRE_ORDER"
)

// Checked in order: negations such as "unavailable" or "nicht verfügbar"
// must match before the positive phrases they contain. Phrases match on word
// boundaries.
var stockPhrases = []struct {
	status  string
	phrases []string
}{
	{StockPreOrder, []string{"pre-order", "preorder", "pre order", "vorbestell", "précommande", "precommande", "preventa", "prenotazione", "przedsprzedaż"}},
	{StockOutOfStock, []string{"out of stock", "out-of-stock", "outofstock", "sold out", "unavailable", "not available", "nicht verfügbar", "nicht lieferbar", "ausverkauft", "épuisé", "rupture", "indisponible", "agotado", "sin stock", "esaurito", "non disponibile", "niedostępny", "uitverkocht", "slutsåld"}},
	{StockLimited, []string{"limited", "low stock", "few left", "only", "nur noch", "wenige", "plus que", "quelques", "últimas", "pocas", "ultimi", "ostatnie"}},
	{StockInStock, []string{"in stock", "instock", "in-stock", "available", "auf lager", "lieferbar", "verfügbar", "en stock", "disponible", "disponibile", "dostępny", "op voorraad", "i lager", "på lager"}},
}

// negations turn a following in-stock or limited phrase into out of stock,
// as in "not in stock", "nicht auf Lager" or "no disponible".
var negations = []string{"not", "no", "nicht", "kein", "keine", "niet", "geen", "sin", "non", "pas", "nie", "brak", "ikke", "inte", "ej"}

// negationReach is how many words before a phrase are checked for a
// negation, so "no longer in stock" is caught.
const negationReach = 2

// NormalizeStock maps a free-text stock label to one of the canonical
// statuses. Unrecognized labels are returned trimmed.
func NormalizeStock(raw string) string {
	label := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	if label == "" {
		return ""
	}
	switch canonical := strings.ToUpper(strings.ReplaceAll(label, " ", "_")); canonical {
	case StockInStock, StockOutOfStock, StockLimited, StockPreOrder:
		return canonical
	}
	for _, group := range stockPhrases {
		for _, p := range group.phrases {
			i := indexWord(label, p)
			if i < 0 {
				continue
			}
			if (group.status == StockInStock || group.status == StockLimited) && negated(label[:i]) {
				return StockOutOfStock
			}
			return group.status
		}
	}
	return strings.TrimSpace(raw)
}

// indexWord returns the first index of phrase in s that starts and ends on a
// word boundary, or -1.
func indexWord(s, phrase string) int {
	for from := 0; from <= len(s)-len(phrase); {
		i := strings.Index(s[from:], phrase)
		if i < 0 {
			return -1
		}
		i += from
		before, _ := utf8.DecodeLastRuneInString(s[:i])
		after, _ := utf8.DecodeRuneInString(s[i+len(phrase):])
		if !isWordRune(before) && !isWordRune(after) {
			return i
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		from = i + size
	}
	return -1
}

func negated(prefix string) bool {
	words := strings.FieldsFunc(prefix, func(r rune) bool { return !isWordRune(r) })
	if len(words) > negationReach {
		words = words[len(words)-negationReach:]
	}
	return slices.ContainsFunc(words, func(w string) bool { return slices.Contains(negations, w) })
}

func isWordRune(r rune) bool {
	return r != utf8.RuneError && (unicode.IsLetter(r) || unicode.IsDigit(r))
}
