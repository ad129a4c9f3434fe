package snapshot

import "fmt"

// Result is one rendered snapshot: the document handed to the agent and the
// reference map resolving its ref tokens. The map is only meaningful until
// the next snapshot replaces it.
type Result struct {
	Document string
	Refs     RefMap
}

// Render reconstructs the tree from raw accessibility records, runs the
// pruning pipeline, and serializes the survivor. The document opens with a
// stats line comparing the unpruned and pruned character counts so the agent
// can judge how much was cut.
func Render(raw []RawNode, mode Mode, context string) Result {
	root, refs := BuildTree(raw)
	if root == nil {
		return Result{Document: statsLine(0, 0), Refs: refs}
	}

	rawBody := Format(root)
	if mode == ModeFull {
		return Result{
			Document: statsLine(len(rawBody), len(rawBody)) + "\n" + rawBody,
			Refs:     refs,
		}
	}

	pruned := Pipeline{Mode: mode, Context: context}.Run(root)
	body := Format(pruned)
	doc := statsLine(len(rawBody), len(body))
	if body != "" {
		doc += "\n" + body
	}
	return Result{Document: doc, Refs: refs}
}

// ContainsChallenge reports whether the document looks like an anti-bot
// interstitial rather than real page content.
func ContainsChallenge(document string) bool {
	return matchesAny(document, challengeVocab)
}

func statsLine(rawLen, prunedLen int) string {
	pct := 0
	if rawLen > 0 {
		pct = (rawLen - prunedLen) * 100 / rawLen
	}
	return fmt.Sprintf("# %d chars → %d chars (%d%% pruned)", rawLen, prunedLen, pct)
}
