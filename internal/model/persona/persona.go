package persona

// Identity describes a recognised user: how they are addressed and which
// system prompt template the assistant adopts for them.
type Identity struct {
	Key            string `json:"key" yaml:"key"`
	Name           string `json:"name" yaml:"name"`
	PromptTemplate string `json:"promptTemplate" yaml:"prompt_template"`
	Personality    string `json:"personality" yaml:"personality"`
}

// NamePlaceholder is the template variable replaced by Identity.Name.
const NamePlaceholder = "{user_name}"

// Seed provides the identities the bundled classifier was trained on.
func Seed() []Identity {
	return []Identity{
		{
			Key:            "abrahan",
			Name:           "Abrahan",
			PromptTemplate: "Eres un asistente amigable. Usuario: {user_name}. Responde cordialmente.",
			Personality:    "profesional",
		},
		{
			Key:            "jesus",
			Name:           "Jesus",
			PromptTemplate: "Eres un asistente creativo. Usuario: {user_name}. Responde creativamente.",
			Personality:    "creativo",
		},
	}
}
