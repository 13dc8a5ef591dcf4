package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// MaxKeyInsights caps the insights a response may carry. Extras from the
// model are dropped.
const MaxKeyInsights = 5

// maxEvidenceCitations bounds how many citations enter the response prompt.
const maxEvidenceCitations = 12

// cannedUnknownResponse is spoken when intent analysis fails and the turn
// degrades to unknown.
const cannedUnknownResponse = "Sorry, I couldn't quite make out what you're after. Could you say that again?"

// fallbackEmptyResponse is spoken when response generation fails and the turn
// gathered no usable evidence either.
const fallbackEmptyResponse = "I couldn't put together an answer right now. Please try again in a moment."

const responsePrompt = `You are a voice market-research assistant. Answer the user's request from the evidence below.
The answer is spoken aloud: plain conversational sentences, no markdown, no lists, no URLs.

Reply with ONLY a JSON object:
{"response": "<spoken answer>", "sentiment": "<positive|neutral|negative>", "key_insights": ["<short statement>", ...]}

Rules:
- sentiment reflects the market tone of the findings, not the user's mood.
- key_insights: at most 5 short statements, each supported by the evidence. Omit when there is nothing substantive.
- If the evidence is marked partial, answer from what is there and say what could not be retrieved.
- Never invent prices, numbers or headlines that are not in the evidence.`

var validSentiments = map[string]struct{}{
	"positive": {},
	"neutral":  {},
	"negative": {},
}

// responsePayload is the parsed stage-five output.
type responsePayload struct {
	Response    string   `json:"response"`
	Sentiment   string   `json:"sentiment"`
	KeyInsights []string `json:"key_insights"`
}

// generateResponse runs the gated response call over the turn's evidence.
// LLM failure or unparseable output degrades to the top evidence snippet with
// neutral sentiment and no insights; the error return is non-nil only when
// the context ended.
func (g *Graph) generateResponse(ctx context.Context, text string, intents []Intent, out fetchOutcome, pctx *PromptContext) (responsePayload, error) {
	input := buildResponseInput(text, intents, out, pctx)

	content, err := g.completeGated(ctx, "respond", responsePrompt, input, responseTemperature, responseMaxTokens)
	if err != nil {
		if ctx.Err() != nil {
			return responsePayload{}, err
		}
		g.log.Warn("response generation failed, degrading to top snippet",
			"session_id", g.sessionID, "error", err)
		return fallbackPayload(out.bundle), nil
	}

	payload, err := parseResponsePayload(content)
	if err != nil {
		g.log.Warn("response payload unparseable, degrading to top snippet",
			"session_id", g.sessionID, "error", err)
		return fallbackPayload(out.bundle), nil
	}
	return payload, nil
}

// buildResponseInput renders the query, intents, watchlist state and ranked
// evidence into the user message of the response call.
func buildResponseInput(text string, intents []Intent, out fetchOutcome, pctx *PromptContext) string {
	var b strings.Builder

	if pctx != nil {
		b.WriteString(pctx.promptBlock())
	}

	fmt.Fprintf(&b, "User request: %q\n", text)

	b.WriteString("Detected intents:")
	for _, in := range intents {
		b.WriteString(" " + in.Tag)
		if len(in.Symbols) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(in.Symbols, ", "))
		}
	}
	b.WriteString("\n")

	if out.hadWatchlist {
		if len(out.watchlist) == 0 {
			b.WriteString("Watchlist now: empty\n")
		} else {
			fmt.Fprintf(&b, "Watchlist now: %s\n", strings.Join(out.watchlist, ", "))
		}
	}

	bundle := out.bundle
	switch {
	case len(bundle.Citations) == 0 && len(bundle.Failures) == 0:
		b.WriteString("\nNo market data was needed for this request.\n")
	case bundle.Partial:
		fmt.Fprintf(&b, "\nEvidence (PARTIAL, confidence %.2f; some lookups did not finish):\n", bundle.Confidence)
	default:
		fmt.Fprintf(&b, "\nEvidence (confidence %.2f):\n", bundle.Confidence)
	}

	for i, c := range bundle.Citations {
		if i >= maxEvidenceCitations {
			fmt.Fprintf(&b, "... and %d more\n", len(bundle.Citations)-maxEvidenceCitations)
			break
		}
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, c.Source, c.Title)
		if c.Snippet != "" && c.Snippet != c.Title {
			b.WriteString(" - " + c.Snippet)
		}
		b.WriteString("\n")
	}

	if len(bundle.Failures) > 0 {
		b.WriteString("Failed lookups:\n")
		for _, f := range bundle.Failures {
			b.WriteString("- " + f + "\n")
		}
	}

	return b.String()
}

// parseResponsePayload reads the stage-five JSON with the same tolerance as
// intent parsing, then clamps sentiment and insights to their allowed shapes.
func parseResponsePayload(content string) (responsePayload, error) {
	cleaned := sanitizeJSON(content)
	if cleaned == "" {
		return responsePayload{}, fmt.Errorf("agent: empty response payload")
	}

	var payload responsePayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return responsePayload{}, fmt.Errorf("agent: response payload is not JSON")
	}
	if strings.TrimSpace(payload.Response) == "" {
		return responsePayload{}, fmt.Errorf("agent: response payload has no text")
	}

	payload.Response = strings.TrimSpace(payload.Response)
	payload.Sentiment = normalizeSentiment(payload.Sentiment)

	insights := payload.KeyInsights[:0]
	for _, in := range payload.KeyInsights {
		in = strings.TrimSpace(in)
		if in == "" {
			continue
		}
		insights = append(insights, in)
		if len(insights) == MaxKeyInsights {
			break
		}
	}
	payload.KeyInsights = insights
	return payload, nil
}

func normalizeSentiment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, ok := validSentiments[s]; !ok {
		return "neutral"
	}
	return s
}

// fallbackPayload builds the degraded answer: the best snippet the turn
// gathered, neutral sentiment, no insights.
func fallbackPayload(bundle Bundle) responsePayload {
	if snippet := topSnippet(bundle); snippet != "" {
		return responsePayload{
			Response:  "Here's what I found: " + snippet,
			Sentiment: "neutral",
		}
	}
	return responsePayload{
		Response:  fallbackEmptyResponse,
		Sentiment: "neutral",
	}
}

// topSnippet returns the highest-ranked citation text, trimmed to speakable
// length.
func topSnippet(bundle Bundle) string {
	for _, c := range bundle.Citations {
		s := c.Snippet
		if s == "" {
			s = c.Title
		}
		if s = strings.TrimSpace(s); s != "" {
			return trimTo(s, 240)
		}
	}
	return ""
}
