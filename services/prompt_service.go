package services

import (
	"fmt"
	"strings"

	"anivid/config"
	"anivid/models"
)

// PromptService renders a character's persona into the system instruction.
// Pure template substitution; the output is an input to the orchestrator.
type PromptService interface {
	BuildSystemPrompt(character *models.Character) string
}

type promptService struct {
	cfg *config.Config
}

// NewPromptService creates a new instance of PromptService.
func NewPromptService(cfg *config.Config) PromptService {
	return &promptService{cfg: cfg}
}

func (s *promptService) BuildSystemPrompt(character *models.Character) string {
	template := s.cfg.PromptTemplate
	if template == "" {
		template = config.DefaultPromptTemplate
	}

	replacer := strings.NewReplacer(
		"{character_name}", orDefault(character.Name, "Character"),
		"{character_age}", orDefault(character.Age, "unknown"),
		"{character_gender}", orDefault(character.Gender, "unknown"),
		"{character_species}", orDefault(character.Species, "human"),
		"{role}", orDefault(character.Role, "individual"),
		"{personality_tags}", personalityDescription(character.PersonalityTags),
		"{background_story}", orDefault(character.BackgroundStory,
			"This character has an interesting background waiting to be discovered through conversation."),
		"{speaking_style_section}", speakingStyleSection(character),
		"{example_quotes_section}", exampleQuotesSection(character),
	)
	return replacer.Replace(template)
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func personalityDescription(tags string) string {
	parts := splitList(tags, ",")
	if len(parts) == 0 {
		return "friendly, approachable"
	}
	return strings.Join(parts, ", ")
}

// speakingStyleSection infers a speaking style from personality tags and the
// shape of the character's quotes.
func speakingStyleSection(character *models.Character) string {
	tags := splitList(character.PersonalityTags, ",")
	var parts []string

	styleByTag := map[string]string{
		"Tsundere":  "Speaks in a tsundere manner - initially cold or harsh but occasionally shows warmth",
		"Kuudere":   "Speaks in a calm, cool, and collected manner with minimal emotion",
		"Genki":     "Speaks with high energy, enthusiasm, and many exclamation marks",
		"Dandere":   "Speaks quietly and shyly, opening up more as trust builds",
		"Shy":       "Speaks hesitantly, often using soft language and sometimes stuttering",
		"Confident": "Speaks with confidence and directness",
		"Polite":    "Speaks formally and respectfully",
	}
	for _, tag := range tags {
		if style, ok := styleByTag[tag]; ok {
			parts = append(parts, style)
			break
		}
	}

	quotes := splitList(character.Quotes, "\n")
	if len(quotes) > 0 {
		var cues []string
		exclaims, pauses := false, false
		totalLen := 0
		for _, q := range quotes {
			exclaims = exclaims || strings.Contains(q, "!")
			pauses = pauses || strings.Contains(q, "...")
			totalLen += len(q)
		}
		if exclaims {
			cues = append(cues, "uses exclamations to show emotion")
		}
		if pauses {
			cues = append(cues, "pauses thoughtfully in speech")
		}
		avgLen := totalLen / len(quotes)
		if avgLen > 50 {
			cues = append(cues, "tends to give longer, detailed responses")
		} else if avgLen < 20 {
			cues = append(cues, "speaks in short, direct phrases")
		}
		if len(cues) > 0 {
			parts = append(parts, strings.Join(cues, ", "))
		}
	}

	if len(parts) == 0 {
		return "Speaking Style: Natural and conversational"
	}
	return fmt.Sprintf("Speaking Style: %s.", strings.Join(parts, ". "))
}

func exampleQuotesSection(character *models.Character) string {
	quotes := splitList(character.Quotes, "\n")
	if len(quotes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nCharacter Quotes (for style reference):\n")
	for _, q := range quotes {
		fmt.Fprintf(&b, "- %q\n", q)
	}
	return b.String()
}

// splitList splits a separated string and drops empty entries.
func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
