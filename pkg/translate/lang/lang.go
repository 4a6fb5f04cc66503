// Package lang holds the language tables shared by the translation
// backends: display names for prompt building, target-code mapping for the
// quality backend, and its formality / custom-instruction support lists.
package lang

import "strings"

// names maps lowercase ISO 639-1 codes (optionally with a region subtag) to
// English display names. Prompts read better with names than codes.
var names = map[string]string{
	"ar": "Arabic", "bg": "Bulgarian", "cs": "Czech", "da": "Danish",
	"de": "German", "el": "Greek", "en": "English", "es": "Spanish",
	"et": "Estonian", "fa": "Persian", "fi": "Finnish", "fr": "French",
	"he": "Hebrew", "hi": "Hindi", "hr": "Croatian", "hu": "Hungarian",
	"id": "Indonesian", "it": "Italian", "ja": "Japanese", "ko": "Korean",
	"lt": "Lithuanian", "lv": "Latvian", "ms": "Malay", "nb": "Norwegian",
	"nl": "Dutch", "no": "Norwegian", "pl": "Polish", "pt": "Portuguese",
	"ro": "Romanian", "ru": "Russian", "sk": "Slovak", "sl": "Slovenian",
	"sr": "Serbian", "sv": "Swedish", "sw": "Swahili", "ta": "Tamil",
	"th": "Thai", "tl": "Filipino", "tr": "Turkish", "uk": "Ukrainian",
	"ur": "Urdu", "vi": "Vietnamese", "zh": "Chinese",

	"en-gb": "British English", "en-us": "American English",
	"pt-br": "Brazilian Portuguese", "pt-pt": "European Portuguese",
	"zh-hans": "Simplified Chinese", "zh-hant": "Traditional Chinese",
}

// qualityTargets maps lowercase ISO codes to the quality backend's target
// codes. Regionless codes resolve to the backend's preferred variant.
var qualityTargets = map[string]string{
	"ar": "AR", "bg": "BG", "cs": "CS", "da": "DA", "de": "DE",
	"el": "EL", "en": "EN-US", "es": "ES", "et": "ET", "fi": "FI",
	"fr": "FR", "he": "HE", "hu": "HU", "id": "ID", "it": "IT",
	"ja": "JA", "ko": "KO", "lt": "LT", "lv": "LV", "nb": "NB",
	"nl": "NL", "no": "NB", "pl": "PL", "pt": "PT-BR", "ro": "RO",
	"ru": "RU", "sk": "SK", "sl": "SL", "sv": "SV", "th": "TH",
	"tr": "TR", "uk": "UK", "vi": "VI", "zh": "ZH-HANS",

	"en-gb": "EN-GB", "en-us": "EN-US",
	"pt-br": "PT-BR", "pt-pt": "PT-PT",
	"zh-hans": "ZH-HANS", "zh-hant": "ZH-HANT",
}

// formalitySupported lists quality-backend target codes that accept a
// formality parameter. Sending formality for any other target is an API
// error, not a no-op.
var formalitySupported = map[string]bool{
	"DE": true, "ES": true, "FR": true, "IT": true, "JA": true,
	"NL": true, "PL": true, "PT-BR": true, "PT-PT": true, "RU": true,
}

// customInstructionBases lists base target languages that accept the
// custom_instructions field on quality-optimized requests.
var customInstructionBases = map[string]bool{
	"DE": true, "EN": true, "ES": true, "FR": true, "IT": true,
	"JA": true, "KO": true, "NL": true, "PL": true, "PT": true,
	"RU": true, "ZH": true,
}

// normalize lowercases code and trims surrounding space.
func normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// base strips the region subtag: "pt-br" → "pt".
func base(code string) string {
	if i := strings.IndexByte(code, '-'); i > 0 {
		return code[:i]
	}
	return code
}

// Name returns the English display name for an ISO 639-1 code, falling back
// to the base language and finally to the code itself.
func Name(code string) string {
	c := normalize(code)
	if n, ok := names[c]; ok {
		return n
	}
	if n, ok := names[base(c)]; ok {
		return n
	}
	return code
}

// Known reports whether code (or its base language) has a display name.
func Known(code string) bool {
	c := normalize(code)
	if _, ok := names[c]; ok {
		return true
	}
	_, ok := names[base(c)]
	return ok
}

// QualityTarget maps an ISO code to the quality backend's target code.
// Returns ("", false) when the backend does not support the language.
func QualityTarget(code string) (string, bool) {
	c := normalize(code)
	if t, ok := qualityTargets[c]; ok {
		return t, true
	}
	t, ok := qualityTargets[base(c)]
	return t, ok
}

// SupportsFormality reports whether the quality-backend target code accepts
// a formality parameter.
func SupportsFormality(target string) bool {
	return formalitySupported[strings.ToUpper(target)]
}

// SupportsCustomInstructions reports whether the quality-backend target code
// accepts custom instructions (gated on its base language).
func SupportsCustomInstructions(target string) bool {
	b, _, _ := strings.Cut(strings.ToUpper(target), "-")
	return customInstructionBases[b]
}
