package agent

import "strings"

// DefaultSpeechChunkChars is the synthesis-friendly chunk size for streamed
// speech.
const DefaultSpeechChunkChars = 200

// SplitSpeech cuts text into chunks of at most maxChars characters for
// incremental synthesis. Whitespace is normalized first. Chunks break at
// sentence boundaries when the sentences fit, at word boundaries when a
// single sentence is too long, and mid-word only for tokens longer than a
// whole chunk.
func SplitSpeech(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultSpeechChunkChars
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}

	var chunks []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, string(cur))
			cur = cur[:0]
		}
	}

	for _, sentence := range splitSentences(text) {
		runes := []rune(sentence)
		switch {
		case len(cur) == 0 && len(runes) <= maxChars:
			cur = append(cur, runes...)
		case len(cur)+1+len(runes) <= maxChars:
			cur = append(cur, ' ')
			cur = append(cur, runes...)
		case len(runes) <= maxChars:
			flush()
			cur = append(cur, runes...)
		default:
			flush()
			chunks = append(chunks, splitWords(sentence, maxChars)...)
		}
	}
	flush()
	return chunks
}

// splitSentences cuts on '.', '!' or '?' runs followed by whitespace or end
// of text, keeping the terminator with its sentence.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		for i+1 < len(runes) && isTerminator(runes[i+1]) {
			i++
		}
		if i+1 < len(runes) && runes[i+1] != ' ' {
			continue
		}
		s := strings.TrimSpace(string(runes[start : i+1]))
		if s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// splitWords packs words greedily into maxChars chunks, hard-splitting any
// single word longer than a chunk.
func splitWords(sentence string, maxChars int) []string {
	var chunks []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, string(cur))
			cur = cur[:0]
		}
	}

	for _, word := range strings.Fields(sentence) {
		runes := []rune(word)
		if len(runes) > maxChars {
			flush()
			for len(runes) > maxChars {
				chunks = append(chunks, string(runes[:maxChars]))
				runes = runes[maxChars:]
			}
			cur = append(cur, runes...)
			continue
		}
		if len(cur) == 0 {
			cur = append(cur, runes...)
			continue
		}
		if len(cur)+1+len(runes) <= maxChars {
			cur = append(cur, ' ')
			cur = append(cur, runes...)
			continue
		}
		flush()
		cur = append(cur, runes...)
	}
	flush()
	return chunks
}
