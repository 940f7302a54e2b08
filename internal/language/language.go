// Package language classifies the dominant script of a message.
package language

// Language is a two-letter language tag.
type Language string

const (
	English Language = "en"
	Hebrew  Language = "he"
)

// hebrewThreshold is the fraction of Hebrew code points above which a text is Hebrew.
const hebrewThreshold = 0.2

func isHebrew(r rune) bool { return r >= 0x0590 && r <= 0x05FF }

// Detect returns Hebrew when more than 20% of the code points in text fall
// in the Hebrew block, otherwise English.
func Detect(text string) Language {
	var total, hebrew int
	for _, r := range text {
		total++
		if isHebrew(r) {
			hebrew++
		}
	}
	if total == 0 {
		return English
	}
	if float64(hebrew)/float64(total) > hebrewThreshold {
		return Hebrew
	}
	return English
}

// IsRTL reports whether text contains any Hebrew or Arabic code point,
// which is what a renderer uses to pick the text direction.
func IsRTL(text string) bool {
	for _, r := range text {
		if r >= 0x0590 && r <= 0x06FF {
			return true
		}
	}
	return false
}

// Valid reports whether l is a supported language.
func (l Language) Valid() bool {
	return l == English || l == Hebrew
}
