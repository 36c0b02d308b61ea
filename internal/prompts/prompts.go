// Package prompts holds the fixed texts of the interview: the greeting shown
// to the candidate, the instructions sent to the model, and the closing phrase
// whose appearance ends the interview.
package prompts

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Greeting is the first assistant turn of every interview.
const Greeting = "👋 Hello! I'm your Hiring Assistant bot.\n\n" +
	"I'll collect a few details first, then ask you 5 technical questions " +
	"based on your experience and tech stack.\n\n" +
	"Type 'exit' anytime to leave the chat.\n\n" +
	"Let's get started!"

// ThankYou is the closing phrase. An assistant turn containing it ends the interview.
const ThankYou = "✅ Thank you for sharing your information and completing the technical round!\n\n" +
	"We’ll review your responses and get back to you with the next steps. Good luck!"

// SystemPrompt describes the two-phase interview protocol to the model.
const SystemPrompt = `
You are a helpful and context-aware hiring assistant chatbot.

Your job has two phases:

1. **Collect Information**:
   - Gather the candidate’s: full name, email, phone number, years of experience, position applied for, current location, and tech stack.
   - Wait for all responses before moving on.

2. **Ask Technical Questions**:
   - Based on the candidate’s **tech stack** and **years of experience**, generate exactly **5 technical questions**.
   - Mix topics from the declared tech stack (languages, frameworks, tools).
   - Match the question difficulty to experience level:
     - <2 years → beginner questions
     - 2–4 years → moderate
     - >4 years → advanced questions
   - Ask one question at a time, wait for their answer before moving to the next.
   - Be clear and specific. No vague or overly broad questions.
   - Do not go off-topic or ask general personality questions.

💬 Fallback:
If the candidate’s response is unclear or off-topic, rephrase or redirect politely.

✅ End:
After 5 technical questions, thank the candidate and let them know the next steps. Do not ask more than 5 technical questions.
`

// closingInstruction makes the model reproduce the closing phrase verbatim,
// which is what the terminal check matches on.
const closingInstruction = "When the interview is over, or the candidate types 'exit', " +
	"reply with exactly the following message and nothing else:\n\n"

// Catalog is the set of texts used by one interview.
type Catalog struct {
	Greeting     string `yaml:"greeting"`
	ThankYou     string `yaml:"thank_you"`
	SystemPrompt string `yaml:"system_prompt"`
}

// Default returns the built-in catalog.
func Default() Catalog {
	return Catalog{
		Greeting:     Greeting,
		ThankYou:     ThankYou,
		SystemPrompt: SystemPrompt,
	}
}

// Load reads a YAML override file. Fields missing from the file keep their
// built-in values. An empty path returns the defaults.
func Load(path string) (Catalog, error) {
	cat := Default()
	if path == "" {
		return cat, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read prompts file: %w", err)
	}

	var override Catalog
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Catalog{}, fmt.Errorf("parse prompts file %s: %w", path, err)
	}

	if strings.TrimSpace(override.Greeting) != "" {
		cat.Greeting = override.Greeting
	}
	if strings.TrimSpace(override.ThankYou) != "" {
		cat.ThankYou = override.ThankYou
	}
	if strings.TrimSpace(override.SystemPrompt) != "" {
		cat.SystemPrompt = override.SystemPrompt
	}

	if err := cat.Validate(); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

// Validate checks that every text is present.
func (c Catalog) Validate() error {
	if strings.TrimSpace(c.Greeting) == "" {
		return fmt.Errorf("prompts: greeting cannot be empty")
	}
	if strings.TrimSpace(c.ThankYou) == "" {
		return fmt.Errorf("prompts: thank_you cannot be empty")
	}
	if strings.TrimSpace(c.SystemPrompt) == "" {
		return fmt.Errorf("prompts: system_prompt cannot be empty")
	}
	return nil
}

// SystemInstructions returns the content of the system turn: the interview
// protocol followed by the exact closing phrase.
func (c Catalog) SystemInstructions() string {
	return strings.TrimRight(c.SystemPrompt, "\n") + "\n\n" + closingInstruction + c.ThankYou
}
