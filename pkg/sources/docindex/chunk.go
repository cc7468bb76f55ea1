package docindex

import (
	"path"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	chunkWords   = 250
	chunkOverlap = 40
	minSegment   = 10
	denseText    = 500
)

var (
	camelJoin      = regexp.MustCompile(`([a-záéíóúñ])([A-ZÁÉÍÓÚÑ])`)
	multiSpace     = regexp.MustCompile(`  +`)
	manyNewlines   = regexp.MustCompile(`\n{3,}`)
	paragraphBreak = regexp.MustCompile(`\n\s*\n`)
	titleSeparator = strings.NewReplacer("_", " ", "-", " ")
)

type chunk struct {
	Text   string
	Source string
}

// repairJoinedWords splits words glued together by PDF extraction, such as
// "clienteSeleccionamos".
func repairJoinedWords(text string) string {
	text = camelJoin.ReplaceAllString(text, "$1 $2")
	return multiSpace.ReplaceAllString(text, " ")
}

// sourceTitle turns "Guia_JDS-crear Ticket.pdf" into "Guia JDS crear Ticket".
func sourceTitle(source string) string {
	base := path.Base(source)
	return titleSeparator.Replace(strings.TrimSuffix(base, path.Ext(base)))
}

// chunkDocument splits text into chunks of about maxWords words with
// overlap words carried over, each prefixed with the document title.
func chunkDocument(text, source string, maxWords, overlap int) []chunk {
	title := sourceTitle(source)
	cleaned := repairJoinedWords(text)
	cleaned = strings.ReplaceAll(cleaned, "\r\n", "\n")
	cleaned = manyNewlines.ReplaceAllString(cleaned, "\n\n")
	cleaned = strings.TrimSpace(cleaned)

	dense := utf8.RuneCountInString(cleaned) > denseText
	segments := keepLong(paragraphBreak.Split(cleaned, -1))
	if len(segments) <= 2 && dense {
		segments = keepLong(strings.Split(cleaned, "\n"))
	}
	if len(segments) <= 2 && dense {
		segments = keepLong(splitSentences(cleaned))
	}

	var chunks []chunk
	current := ""
	currentWords := 0
	for _, seg := range segments {
		segWords := len(strings.Fields(seg))
		if currentWords+segWords > maxWords && current != "" {
			chunks = append(chunks, chunk{Text: "[" + title + "]\n" + strings.TrimSpace(current), Source: source})
			words := strings.Fields(current)
			if len(words) > overlap {
				words = words[len(words)-overlap:]
			}
			current = strings.Join(words, " ") + "\n" + seg
			currentWords = overlap + segWords
			continue
		}
		if current != "" {
			current += "\n"
		}
		current += seg
		currentWords += segWords
	}
	if strings.TrimSpace(current) != "" {
		chunks = append(chunks, chunk{Text: "[" + title + "]\n" + strings.TrimSpace(current), Source: source})
	}
	return chunks
}

func keepLong(parts []string) []string {
	out := parts[:0:0]
	for _, p := range parts {
		if utf8.RuneCountInString(strings.TrimSpace(p)) > minSegment {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences breaks after '.', '!' or '?' when followed by whitespace.
func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '.' && runes[i] != '!' && runes[i] != '?' {
			continue
		}
		j := i + 1
		for j < len(runes) && isSpace(runes[j]) {
			j++
		}
		if j == i+1 || j == len(runes) {
			continue
		}
		out = append(out, string(runes[start:i+1]))
		start = j
		i = j - 1
	}
	return append(out, string(runes[start:]))
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r' || r == '\f' || r == '\v'
}
