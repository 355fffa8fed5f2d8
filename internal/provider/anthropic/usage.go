package anthropic

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// WantsStream peeks the request body for a streaming intent without a full
// unmarshal.
func WantsStream(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// Known system prompt markers mapped to short agent tags. Matching is
// first-fragment-wins on the normalized system prompt.
var agentMarkers = []struct {
	fragment string
	tag      string
}{
	{"You are Claude Code", "claude-code"},
	{"You are an interactive CLI tool", "claude-code"},
	{"built by Anthropic", "agent-sdk"},
	{"created using the Anthropic Agent SDK", "agent-sdk"},
	{"fast file search and codebase exploration", "explore"},
	{"concise, helpful assistant that provides brief", "haiku"},
}

// AgentHint inspects the request's system prompt and returns a short tag
// identifying the calling agent, or "" when unrecognized.
func AgentHint(body []byte) string {
	system := gjson.GetBytes(body, "system")
	if !system.Exists() {
		return ""
	}

	var texts []string
	switch {
	case system.Type == gjson.String:
		texts = append(texts, system.String())
	case system.IsArray():
		for _, entry := range system.Array() {
			if t := entry.Get("text"); t.Exists() {
				texts = append(texts, t.String())
			}
		}
	}

	for _, text := range texts {
		normalized := strings.Join(strings.Fields(text), " ")
		for _, m := range agentMarkers {
			if strings.Contains(normalized, m.fragment) {
				return m.tag
			}
		}
	}
	return ""
}

// Usage is token accounting pulled from a response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Model        string
}

// ParseJSONUsage extracts usage from a non-streaming response body.
func ParseJSONUsage(body []byte) Usage {
	return Usage{
		InputTokens: gjson.GetBytes(body, "usage.input_tokens").Int() +
			gjson.GetBytes(body, "usage.cache_creation_input_tokens").Int() +
			gjson.GetBytes(body, "usage.cache_read_input_tokens").Int(),
		OutputTokens: gjson.GetBytes(body, "usage.output_tokens").Int(),
		Model:        gjson.GetBytes(body, "model").String(),
	}
}

// ParseSSEUsage extracts usage from captured event-stream bytes. Input
// tokens and model ride on message_start; output tokens accumulate across
// message_delta events. The capture may be a truncated window of the
// stream, so missing events simply leave their fields zero.
func ParseSSEUsage(captured []byte) Usage {
	var u Usage
	for _, line := range bytes.Split(captured, []byte("\n")) {
		data, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte("data: "))
		if !ok {
			continue
		}
		switch gjson.GetBytes(data, "type").String() {
		case "message_start":
			u.InputTokens = gjson.GetBytes(data, "message.usage.input_tokens").Int() +
				gjson.GetBytes(data, "message.usage.cache_creation_input_tokens").Int() +
				gjson.GetBytes(data, "message.usage.cache_read_input_tokens").Int()
			if m := gjson.GetBytes(data, "message.model").String(); m != "" {
				u.Model = m
			}
		case "message_delta":
			u.OutputTokens += gjson.GetBytes(data, "usage.output_tokens").Int()
		}
	}
	return u
}

// Per-million-token prices, prefix-matched on model name.
var modelPricing = []struct {
	prefix        string
	inputPerMTok  float64
	outputPerMTok float64
}{
	{"claude-opus", 15.0, 75.0},
	{"claude-sonnet", 3.0, 15.0},
	{"claude-3-7-sonnet", 3.0, 15.0},
	{"claude-3-5-sonnet", 3.0, 15.0},
	{"claude-3-5-haiku", 0.80, 4.0},
	{"claude-haiku", 1.0, 5.0},
}

// CostEstimate converts usage into an approximate dollar cost. Unknown
// models cost zero rather than guessing.
func CostEstimate(u Usage) float64 {
	for _, p := range modelPricing {
		if strings.HasPrefix(u.Model, p.prefix) {
			return float64(u.InputTokens)/1e6*p.inputPerMTok +
				float64(u.OutputTokens)/1e6*p.outputPerMTok
		}
	}
	return 0
}
