package stt

// Service names a supported STT backend.
type Service string

const (
	ServiceDeepgram     Service = "deepgram"
	ServiceSoniox       Service = "soniox"
	ServiceSpeechmatics Service = "speechmatics"
)

// Selection is the outcome of provider selection for a session language.
type Selection struct {
	Service  Service
	Language string // canonical language passed to the provider
	Model    string
}

// sonioxLanguages are handled by Soniox's multilingual real-time model. The
// session language is kept as a hint; the provider runs in "multi" mode.
var sonioxLanguages = map[string]bool{
	"multi": true,
	"en":    true,
	"es":    true,
	"fr":    true,
	"de":    true,
	"it":    true,
	"pt":    true,
	"zh":    true,
	"ja":    true,
	"ko":    true,
	"hi":    true,
}

// deepgramLanguages map session language → Deepgram model.
var deepgramLanguages = map[string]string{
	"en": "nova-3",
	"es": "nova-2-general",
	"fr": "nova-2-general",
	"de": "nova-2-general",
	"it": "nova-2-general",
	"pt": "nova-2-general",
	"nl": "nova-2-general",
	"hi": "nova-2-general",
	"ja": "nova-2-general",
	"ko": "nova-2-general",
	"ru": "nova-2-general",
	"uk": "nova-2-general",
	"sv": "nova-2-general",
	"tr": "nova-2-general",
	"id": "nova-2-general",
	"pl": "nova-2-general",
	"da": "nova-2-general",
	"no": "nova-2-general",
	"fi": "nova-2-general",
	"cs": "nova-2-general",
	"el": "nova-2-general",
	"th": "nova-2-general",
	"vi": "nova-2-general",
}

// speechmaticsLanguages are routed to Speechmatics when neither Soniox nor
// Deepgram covers them.
var speechmaticsLanguages = map[string]bool{
	"ar": true,
	"bg": true,
	"cy": true,
	"et": true,
	"fa": true,
	"he": true,
	"hr": true,
	"lt": true,
	"lv": true,
	"ms": true,
	"ro": true,
	"sk": true,
	"sl": true,
	"ta": true,
	"ur": true,
}

// SelectProvider is the pure selection function from session language to STT
// backend. Callers normalize "auto" to "multi" before calling. The second
// return value reports whether any provider supports the language.
//
// Routing: "multi" and English go to Deepgram when a fixed single language is
// requested and Deepgram covers it (lowest latency); "multi" itself goes to
// Soniox (best multilingual diarization); anything else falls through to
// Speechmatics for its long-tail language coverage.
func SelectProvider(language string) (Selection, bool) {
	if language == "multi" {
		return Selection{Service: ServiceSoniox, Language: "multi", Model: "stt-rt-preview"}, true
	}
	if model, ok := deepgramLanguages[language]; ok {
		return Selection{Service: ServiceDeepgram, Language: language, Model: model}, true
	}
	if sonioxLanguages[language] {
		return Selection{Service: ServiceSoniox, Language: "multi", Model: "stt-rt-preview"}, true
	}
	if speechmaticsLanguages[language] {
		return Selection{Service: ServiceSpeechmatics, Language: language, Model: "enhanced"}, true
	}
	return Selection{}, false
}
