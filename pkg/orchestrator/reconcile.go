package orchestrator

import "strings"

// Tokenize lower-cases and splits text into alphabetic runs — the token
// shape used by the overlap reconciler and by the subprocess engine's
// lower-cased token extraction.
func Tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z':
			cur.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			cur.WriteRune(r - 'A' + 'a')
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// Reconcile merges two engine results per the configured strategy. All
// strategies are pure functions of their inputs. It returns the final
// TranscriptionResult (engine label always "reconciled", including when only
// one input is present) and the source engine whose text was selected, used
// for the reconcile.selected_total metric.
func Reconcile(cfg ReconciliationConfig, primary, secondary *EngineResult) (TranscriptionResult, EngineRole) {
	if primary == nil && secondary == nil {
		return TranscriptionResult{Engine: RoleReconciled}, RolePrimary
	}
	if primary == nil {
		return TranscriptionResult{Text: secondary.Text, Confidence: secondary.Confidence, Engine: RoleReconciled}, RoleSecondary
	}
	if secondary == nil {
		return TranscriptionResult{Text: primary.Text, Confidence: primary.Confidence, Engine: RoleReconciled}, RolePrimary
	}

	var text string
	var confidence float64
	var winner EngineRole

	switch cfg.Strategy {
	case StrategyConfidence:
		text, confidence, winner = reconcileConfidence(*primary, *secondary)
	case StrategyOverlap:
		text, confidence, winner = reconcileOverlap(*primary, *secondary, cfg.OverlapThreshold)
	default:
		text, confidence, winner = reconcileSimple(*primary, *secondary)
	}

	return TranscriptionResult{Text: text, Confidence: confidence, Engine: RoleReconciled}, winner
}

// reconcileSimple: primary preference. Never returns secondary's text when
// primary's text is non-empty.
func reconcileSimple(primary, secondary EngineResult) (string, float64, EngineRole) {
	if strings.TrimSpace(primary.Text) != "" {
		return primary.Text, primary.Confidence, RolePrimary
	}
	if strings.TrimSpace(secondary.Text) != "" {
		return secondary.Text, secondary.Confidence, RoleSecondary
	}
	return primary.Text, primary.Confidence, RolePrimary
}

// reconcileConfidence: higher confidence wins; ties go to non-empty text,
// further ties go to primary.
func reconcileConfidence(primary, secondary EngineResult) (string, float64, EngineRole) {
	if primary.Confidence > secondary.Confidence {
		return primary.Text, primary.Confidence, RolePrimary
	}
	if secondary.Confidence > primary.Confidence {
		return secondary.Text, secondary.Confidence, RoleSecondary
	}
	if strings.TrimSpace(primary.Text) == "" && strings.TrimSpace(secondary.Text) != "" {
		return secondary.Text, secondary.Confidence, RoleSecondary
	}
	return primary.Text, primary.Confidence, RolePrimary
}

// reconcileOverlap: Jaccard-style token overlap against the token union.
// Below threshold on both sides, falls back to the longer text; ties
// broken toward primary.
func reconcileOverlap(primary, secondary EngineResult, threshold float64) (string, float64, EngineRole) {
	a := tokenSet(primary.Text)
	b := tokenSet(secondary.Text)
	union := make(map[string]struct{}, len(a)+len(b))
	for t := range a {
		union[t] = struct{}{}
	}
	for t := range b {
		union[t] = struct{}{}
	}
	if len(union) == 0 {
		return longerOf(primary, secondary)
	}

	simA := float64(len(a)) / float64(len(union))
	simB := float64(len(b)) / float64(len(union))

	if simA < threshold && simB < threshold {
		return longerOf(primary, secondary)
	}
	if simA > simB {
		return primary.Text, primary.Confidence, RolePrimary
	}
	if simB > simA {
		return secondary.Text, secondary.Confidence, RoleSecondary
	}
	return primary.Text, primary.Confidence, RolePrimary
}

func longerOf(primary, secondary EngineResult) (string, float64, EngineRole) {
	if len(secondary.Text) > len(primary.Text) {
		return secondary.Text, secondary.Confidence, RoleSecondary
	}
	return primary.Text, primary.Confidence, RolePrimary
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range Tokenize(text) {
		set[t] = struct{}{}
	}
	return set
}
