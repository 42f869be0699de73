// Package tokencount estimates the token footprint of messages before they
// are sent to the LLM, so the context manager can budget compression and the
// output summarizer can decide when a tool result is worth shrinking.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"agentcore/pkg/engine/api"
)

// Estimator counts tokens for text and message lists. Implementations must be
// monotonic (more text never yields fewer tokens), cheap enough to call on
// every turn, and deterministic for a given input.
type Estimator interface {
	Count(text string) int
	CountMessages(messages []api.LLMMessage) int
}

// tokensPerMessage approximates OpenAI's per-message framing overhead
// (<|start|>role<|message|>...<|end|>), per the chat completion token guide.
const tokensPerMessage = 3

// replyPriming accounts for the assistant reply's own framing tokens.
const replyPriming = 3

// charsPerTokenFallback is the heuristic used when no BPE encoding is
// available for the configured model (e.g. a non-OpenAI model name).
const charsPerTokenFallback = 4

// New returns an Estimator for the given model name. It tries to resolve a
// tiktoken encoding for the model; if none exists it falls back to
// cl100k_base, and if even that can't be loaded it falls back further to the
// character heuristic so callers never have to handle an error here.
func New(model string) Estimator {
	enc, ok := encodingFor(model)
	if !ok {
		return &heuristicEstimator{}
	}
	return &tiktokenEstimator{model: model, encoding: enc}
}

var (
	encodingCacheMu sync.RWMutex
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
)

func encodingFor(model string) (*tiktoken.Tiktoken, bool) {
	encodingCacheMu.RLock()
	cached, ok := encodingCache[model]
	encodingCacheMu.RUnlock()
	if ok {
		return cached, true
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, false
		}
	}

	encodingCacheMu.Lock()
	encodingCache[model] = enc
	encodingCacheMu.Unlock()
	return enc, true
}

// tiktokenEstimator backs Count/CountMessages with a real BPE encoding.
type tiktokenEstimator struct {
	model    string
	encoding *tiktoken.Tiktoken
}

func (e *tiktokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(e.encoding.Encode(text, nil, nil))
}

func (e *tiktokenEstimator) CountMessages(messages []api.LLMMessage) int {
	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += e.Count(m.Role)
		total += e.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += e.Count(tc.Name)
			total += e.Count(tc.Args)
		}
	}
	total += replyPriming
	return total
}

// heuristicEstimator is used when tiktoken has no usable encoding at all
// (both EncodingForModel and the cl100k_base fallback failed to load). It
// keeps the estimator's contract (monotonic, cheap, deterministic) without a
// real tokenizer.
type heuristicEstimator struct{}

func (heuristicEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / charsPerTokenFallback
	if n == 0 {
		n = 1
	}
	return n
}

func (e heuristicEstimator) CountMessages(messages []api.LLMMessage) int {
	total := 0
	for _, m := range messages {
		total += tokensPerMessage
		total += e.Count(m.Role)
		total += e.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += e.Count(tc.Name)
			total += e.Count(tc.Args)
		}
	}
	total += replyPriming
	return total
}
