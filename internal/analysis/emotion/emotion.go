package emotion

import "strings"

// Label 表示分类器可以给出的情绪标签。
type Label string

const (
	Cansado     Label = "cansado"
	Enojado     Label = "enojado"
	Feliz       Label = "feliz"
	Pensativo   Label = "pensativo"
	Riendo      Label = "riendo"
	Sorprendido Label = "sorprendido"
	Triste      Label = "triste"

	// Unknown is reported when a classifier label cannot be mapped to any tag.
	Unknown Label = "emoción desconocida"
)

// UserPlaceholder is substituted with the display name in fallback templates.
const UserPlaceholder = "{user_name}"

// DefaultLabels returns the ordered tag set the classifier was trained on.
func DefaultLabels() []Label {
	return []Label{Cansado, Enojado, Feliz, Pensativo, Riendo, Sorprendido, Triste}
}

const defaultInstruction = "Mantén un tono apropiado y profesional."

var instructions = map[Label]string{
	Cansado:     "El usuario parece estar cansado. Responde con calma, frases cortas y sin exigirle demasiado.",
	Enojado:     "El usuario parece estar enojado. Mantén la calma y sé comprensivo.",
	Feliz:       "El usuario parece estar feliz. Mantén un tono positivo y alegre en tu respuesta.",
	Pensativo:   "El usuario parece estar pensativo. Acompaña su reflexión con preguntas abiertas y ejemplos claros.",
	Riendo:      "El usuario se está riendo. Comparte su buen humor con un tono ligero y divertido.",
	Sorprendido: "El usuario parece estar sorprendido. Sé claro y explicativo en tu respuesta.",
	Triste:      "El usuario parece estar triste. Sé empático y ofrece apoyo emocional.",
}

const genericFallback = "Hola {user_name}, ahora mismo no puedo darte una respuesta completa, pero sigo aquí contigo. ¿Lo intentamos de nuevo?"

var fallbacks = map[Label][]string{
	Cansado: {
		"{user_name}, se nota que ha sido un día largo. Tómate un respiro, aquí te espero.",
		"Descansar también es avanzar, {user_name}. ¿Quieres que hablemos de algo tranquilo?",
	},
	Enojado: {
		"Entiendo que algo te molestó, {user_name}. Respira hondo, te escucho.",
		"{user_name}, es válido sentirse así. Cuéntame qué pasó y lo vemos juntos.",
		"Vamos paso a paso, {user_name}. Estoy aquí para ayudarte a aclararlo.",
	},
	Feliz: {
		"¡Qué bueno verte feliz, {user_name}! Cuéntame qué te alegró el día.",
		"¡Esa sonrisa contagia, {user_name}! ¿Qué está saliendo bien hoy?",
	},
	Pensativo: {
		"Te veo pensativo, {user_name}. ¿Qué idea te está dando vueltas?",
		"{user_name}, a veces ayuda poner los pensamientos en palabras. Te escucho.",
	},
	Riendo: {
		"¡Me encanta verte reír, {user_name}! ¿Qué fue tan divertido?",
		"{user_name}, esa risa alegra cualquier conversación. ¡Cuéntame el chiste!",
	},
	Sorprendido: {
		"¡Vaya, {user_name}, parece que algo te tomó por sorpresa! ¿Qué ocurrió?",
		"{user_name}, esa cara de sorpresa merece una buena historia. Te escucho.",
	},
	Triste: {
		"{user_name}, siento que estés pasando por un momento difícil. Estoy aquí para escucharte.",
		"Lamento que te sientas así, {user_name}. Si quieres contarme qué pasó, te escucho con calma.",
		"{user_name}, los días tristes también pasan. ¿Hay algo que pueda hacer para acompañarte?",
	},
}

// Table maps emotion tags to prompt instruction fragments and canned
// fallback sentences. It is immutable after construction.
type Table struct {
	labels       []Label
	instructions map[Label]string
	fallbacks    map[Label][]string
}

// NewTable builds the table for the given ordered tag set. Tags without a
// built-in instruction or fallback list use the generic ones.
func NewTable(labels []Label) *Table {
	if len(labels) == 0 {
		labels = DefaultLabels()
	}

	t := &Table{
		labels:       append([]Label(nil), labels...),
		instructions: make(map[Label]string, len(labels)),
		fallbacks:    make(map[Label][]string, len(labels)),
	}
	for _, label := range t.labels {
		if text, ok := instructions[label]; ok {
			t.instructions[label] = text
		}
		if list, ok := fallbacks[label]; ok {
			t.fallbacks[label] = append([]string(nil), list...)
		}
	}
	return t
}

// Labels returns the ordered tag set.
func (t *Table) Labels() []Label {
	return append([]Label(nil), t.labels...)
}

// Valid reports whether raw names a configured tag.
func (t *Table) Valid(raw string) bool {
	_, ok := t.lookup(raw)
	return ok
}

// Instruction returns the prompt fragment for raw.
func (t *Table) Instruction(raw string) string {
	label, ok := t.lookup(raw)
	if !ok {
		return defaultInstruction
	}
	if text, ok := t.instructions[label]; ok {
		return text
	}
	return defaultInstruction
}

// Fallbacks returns the fallback templates for raw. Unknown or empty tags get
// the single generic template.
func (t *Table) Fallbacks(raw string) []string {
	label, ok := t.lookup(raw)
	if ok {
		if list := t.fallbacks[label]; len(list) > 0 {
			return append([]string(nil), list...)
		}
	}
	return []string{genericFallback}
}

func (t *Table) lookup(raw string) (Label, bool) {
	normalized := Label(strings.ToLower(strings.TrimSpace(raw)))
	if normalized == "" {
		return "", false
	}
	for _, label := range t.labels {
		if label == normalized {
			return label, true
		}
	}
	return "", false
}
