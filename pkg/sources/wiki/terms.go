package wiki

import (
	"strings"
)

var fillerWords = toSet(
	"dame", "dime", "quiero", "necesito", "busca", "buscar", "encuentra",
	"info", "información", "informacion", "datos", "sobre", "del", "de",
	"la", "el", "los", "las", "un", "una", "unos", "unas",
	"que", "qué", "cual", "cuál", "como", "cómo",
	"tiene", "tienen", "hay", "ver", "mostrar", "enseña",
	"me", "te", "se", "lo", "le", "nos",
	"por", "para", "con", "sin", "en", "a", "al", "es", "y", "o",
	"todo", "toda", "todos", "todas",
	"cliente", "empresa", "compañía", "cuenta",
	"favor", "please", "puedes", "podrias", "podrías",
	"hola", "buenas", "buenos", "dias", "días", "tardes", "noches",
	"gracias", "oye", "oiga", "mira", "estas", "estás", "bien",
	"saludos", "hey", "holi", "bueno", "vale", "ok", "si", "sí", "no",
)

var punctuation = strings.NewReplacer(
	"¿", "", "?", "", "¡", "", "!", "", ".", "", ",", "",
	";", "", ":", "", "(", "", ")", "",
)

// KeyTerms lowercases query, drops punctuation and filler words and joins
// what remains. Greetings therefore produce "".
func KeyTerms(query string) string {
	cleaned := punctuation.Replace(strings.ToLower(query))
	var words []string
	for _, w := range strings.Fields(cleaned) {
		if len([]rune(w)) <= 1 {
			continue
		}
		if _, filler := fillerWords[w]; filler {
			continue
		}
		words = append(words, w)
	}
	return strings.Join(words, " ")
}

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
