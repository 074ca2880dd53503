package research

import "strings"

const (
	ComplexitySimple            = "simple"
	ComplexityStandard          = "standard"
	ComplexityComplex           = "complex"
	ComplexityVerificationHeavy = "verification_heavy"

	HunterGeneral = "general"
)

type HunterProfile struct {
	Type        string
	Name        string
	Description string
	Strategies  []string
}

var hunterProfiles = map[string]HunterProfile{
	"source_scout": {
		Type:        "source_scout",
		Name:        "Source Scout",
		Description: "Rapid source discovery, evaluation and reconnaissance",
		Strategies: []string{
			"broad keyword sweeps",
			"authority site targeting",
			"recent content first",
		},
	},
	"deep_analyst": {
		Type:        "deep_analyst",
		Name:        "Deep Analyst",
		Description: "Thorough content analysis and detailed information extraction",
		Strategies: []string{
			"deep dives on specific topics",
			"technical and academic sources",
			"comparative analysis",
		},
	},
	"fact_checker": {
		Type:        "fact_checker",
		Name:        "Fact Checker",
		Description: "Verification of claims and cross-referencing of information",
		Strategies: []string{
			"verify specific claims and statistics",
			"find independent confirmations",
			"detect contradictions",
		},
	},
	"insight_synthesizer": {
		Type:        "insight_synthesizer",
		Name:        "Insight Synthesizer",
		Description: "Combining findings into actionable insights and recommendations",
		Strategies: []string{
			"identify trends",
			"draw implications",
			"collect best practices",
		},
	},
}

var teams = map[string][]string{
	ComplexitySimple:            {"source_scout", "deep_analyst"},
	ComplexityStandard:          {"source_scout", "deep_analyst", "fact_checker", "insight_synthesizer"},
	ComplexityComplex:           {"source_scout", "deep_analyst", "fact_checker", "insight_synthesizer"},
	ComplexityVerificationHeavy: {"source_scout", "fact_checker", "deep_analyst", "insight_synthesizer"},
}

var complexityIndicators = []struct {
	complexity string
	phrases    []string
}{
	{ComplexityComplex, []string{"comprehensive analysis", "market research", "detailed study", "business strategy", "in-depth", "thorough investigation"}},
	{ComplexityVerificationHeavy, []string{"fact check", "verify", "validate", "confirm", "accuracy", "truth", "reliable", "credible"}},
	{ComplexitySimple, []string{"quick overview", "simple question", "basic info", "what is", "define", "explain briefly"}},
}

// AssessComplexity classifies a query by the first matching indicator group.
func AssessComplexity(query string) string {
	lower := strings.ToLower(query)
	for _, group := range complexityIndicators {
		for _, phrase := range group.phrases {
			if strings.Contains(lower, phrase) {
				return group.complexity
			}
		}
	}
	return ComplexityStandard
}

// Team returns the hunter roles for a complexity, trimmed or padded with
// general hunters to exactly n.
func Team(complexity string, n int) []string {
	base, ok := teams[complexity]
	if !ok {
		base = teams[ComplexityStandard]
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if i < len(base) {
			out = append(out, base[i])
			continue
		}
		out = append(out, HunterGeneral)
	}
	return out
}

func Profile(hunterType string) (HunterProfile, bool) {
	p, ok := hunterProfiles[hunterType]
	return p, ok
}

func hunterSystemPrompt(hunterType, query string) string {
	profile, ok := Profile(hunterType)
	if !ok {
		return "You are a research agent. Investigate the assigned subtask for the query: " + query +
			"\nReport concrete findings with sources where possible."
	}
	var b strings.Builder
	b.WriteString("You are the ")
	b.WriteString(profile.Name)
	b.WriteString(" on a research team. Focus: ")
	b.WriteString(profile.Description)
	b.WriteString(".\nOverall query: ")
	b.WriteString(query)
	b.WriteString("\nStrategies:\n")
	for _, s := range profile.Strategies {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	b.WriteString("Report concrete findings with sources where possible.")
	return b.String()
}
