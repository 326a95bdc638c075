package sym

import (
	"testing"
	"unicode/utf8"
)

func TestSymbolsAreValidUTF8(t *testing.T) {
	for _, entry := range All() {
		if !utf8.ValidString(entry.Symbol) {
			t.Errorf("symbol for %q is not valid UTF-8", entry.Name)
		}
		if utf8.RuneCountInString(entry.Symbol) != 1 {
			t.Errorf("symbol for %q should be a single rune, got %q", entry.Name, entry.Symbol)
		}
	}
}

func TestSymbolsAreDistinct(t *testing.T) {
	seen := make(map[string]string)
	for _, entry := range All() {
		if prev, ok := seen[entry.Symbol]; ok {
			t.Errorf("symbol %q used by both %q and %q", entry.Symbol, prev, entry.Name)
		}
		seen[entry.Symbol] = entry.Name
	}
}

func TestAllNamesAreNonEmpty(t *testing.T) {
	for i, entry := range All() {
		if entry.Name == "" {
			t.Errorf("All()[%d] has an empty subsystem name", i)
		}
	}
}
