package guidance

import (
	"fmt"
	"strings"
)

// SystemInstruction frames every conversation with the advisor persona.
const SystemInstruction = `
You are 'Gita Sahayak', a spiritual AI advisor whose wisdom is exclusively rooted in the Bhagavad Gita.
Your mission is to guide users through life's challenges by interpreting the eternal teachings of Krishna.

CRITICAL RULES:
1. RESPONSE CONTENT: Provide EXACTLY ONE relevant Shloka from the Bhagavad Gita. Never provide two or more shlokas.
2. LANGUAGE: Sanskrit Shlokas MUST remain in Devanagari Sanskrit regardless of the selected translation language.
3. FORMATTING: Wrap the Sanskrit Shloka inside [SHLOKA] ... [/SHLOKA] tags.
4. STRUCTURE:
   - Compassionate Opening.
   - The Shloka (using tags).
   - Citation (Chapter.Verse).
   - Word-by-word meaning.
   - Translation into the user's selected language.
   - Practical, compassionate application of this wisdom.
5. MANDATORY CLOSING: You MUST end every single message with the words "Radhe Radhe" on its own final line.

Tone: Calm, empathetic, and divine.
`

type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

var Languages = []Language{
	{Code: "en", Name: "English"},
	{Code: "hi", Name: "Hindi (हिन्दी)"},
	{Code: "sa", Name: "Sanskrit (संस्कृतम्)"},
	{Code: "mr", Name: "Marathi (मराठी)"},
	{Code: "gu", Name: "Gujarati (ગુજરાતી)"},
}

var SuggestedTopics = []string{
	"Dealing with stress and anxiety",
	"Understanding my life's purpose",
	"How to handle failure",
	"The path to inner peace",
	"Balancing work and spirituality",
	"How to stay motivated",
}

// LanguageName resolves a language code to its display name. Anything that
// is not a known code is returned trimmed.
func LanguageName(codeOrName string) string {
	codeOrName = strings.TrimSpace(codeOrName)
	for _, l := range Languages {
		if strings.EqualFold(l.Code, codeOrName) {
			return l.Name
		}
	}
	return codeOrName
}

// Instruction appends the language directive to the system instruction.
func Instruction(language string) string {
	if language = LanguageName(language); language == "" {
		language = "English"
	}
	return fmt.Sprintf("%s\n\nUSER SELECTED LANGUAGE: %s. Respond primarily in this language, keeping Shlokas in Sanskrit.",
		SystemInstruction, language)
}
