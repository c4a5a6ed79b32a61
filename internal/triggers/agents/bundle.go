package agents

import "github.com/haasonsaas/heyfun/internal/triggers"

// Bundle returns the bundled micro-agents. PromptAssembly is left out when
// refresher is nil.
func Bundle(refresher Refresher, topK, repeatThreshold int) []triggers.MicroAgent {
	out := []triggers.MicroAgent{NewIntentDetector()}
	if refresher != nil {
		out = append(out, NewPromptAssembly(refresher, topK))
	}
	return append(out, NewLoopGuard(repeatThreshold))
}
