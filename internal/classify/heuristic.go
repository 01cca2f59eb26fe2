package classify

import (
	"context"
	"sort"
	"strings"

	"horse.fit/carriersignal/internal/store"
)

type keywordGroup map[string][]string

var (
	linesOfBusiness = keywordGroup{
		"Personal Auto":       {"auto insurance", "car insurance", "motor insurance", "personal auto"},
		"Homeowners":          {"homeowners", "home insurance", "homeowner"},
		"Commercial Property": {"commercial property"},
		"Workers Comp":        {"workers comp", "workers' comp", "workers compensation"},
		"Cyber":               {"cyber insurance", "cyber policy", "cyber coverage", "cyber market"},
		"Life":                {"life insurance", "annuity", "annuities"},
		"Health":              {"health insurance", "health plan", "medicare advantage"},
		"Reinsurance":         {"reinsurance", "reinsurer", "retrocession", "cat bond", "catastrophe bond"},
		"D&O":                 {"d&o", "directors and officers"},
		"Marine":              {"marine insurance", "cargo", "hull"},
		"Crop":                {"crop insurance"},
	}
	perils = keywordGroup{
		"Hurricane":    {"hurricane", "tropical storm"},
		"Wildfire":     {"wildfire", "bushfire"},
		"Flood":        {"flood", "flooding"},
		"Hail":         {"hail"},
		"Tornado":      {"tornado"},
		"Earthquake":   {"earthquake"},
		"Winter Storm": {"winter storm", "freeze", "blizzard"},
		"Ransomware":   {"ransomware", "cyberattack", "cyber attack", "data breach"},
	}
	regulations = keywordGroup{
		"NAIC":                     {"naic", "national association of insurance commissioners"},
		"State DOI":                {"department of insurance", "insurance commissioner", "insurance department"},
		"Federal Insurance Office": {"federal insurance office"},
		"Rate Filing":              {"rate filing", "rate increase request", "rate approval"},
		"Solvency":                 {"solvency", "risk-based capital"},
	}
	companies = keywordGroup{
		"State Farm":         {"state farm"},
		"Allstate":           {"allstate"},
		"Progressive":        {"progressive"},
		"Travelers":          {"travelers"},
		"Chubb":              {"chubb"},
		"AIG":                {"aig", "american international group"},
		"Berkshire Hathaway": {"berkshire hathaway", "geico"},
		"Liberty Mutual":     {"liberty mutual"},
		"Nationwide":         {"nationwide"},
		"USAA":               {"usaa"},
		"Farmers":            {"farmers insurance"},
		"The Hartford":       {"the hartford"},
		"Zurich":             {"zurich"},
		"Munich Re":          {"munich re"},
		"Swiss Re":           {"swiss re"},
		"Lloyd's":            {"lloyd's", "lloyds"},
	}
	trends = keywordGroup{
		"AI":               {"artificial intelligence", " ai ", "generative ai", "machine learning"},
		"Telematics":       {"telematics", "usage-based"},
		"Insurtech":        {"insurtech"},
		"Social Inflation": {"social inflation", "nuclear verdict", "litigation funding"},
		"Climate":          {"climate", "secondary peril"},
		"Rate Hardening":   {"rate increase", "rate hike", "hard market", "premium increase"},
		"M&A":              {"acquisition", "acquire", "merger"},
	}
	regions = keywordGroup{
		"California": {"california"},
		"Florida":    {"florida"},
		"Texas":      {"texas"},
		"Louisiana":  {"louisiana"},
		"New York":   {"new york"},
		"Colorado":   {"colorado"},
		"Europe":     {"europe", "european"},
		"UK":         {"united kingdom", " uk ", "britain", "london market"},
	}

	urgentWords   = []string{"effective immediately", "deadline", "must file", "emergency order", "moratorium"}
	negativeWords = []string{"loss", "losses", "insolvent", "insolvency", "lawsuit", "downgrade", "withdraw", "exits", "catastrophe", "fraud"}
	positiveWords = []string{"profit", "growth", "upgrade", "record earnings", "expands", "launches", "approved"}
)

func (g keywordGroup) match(text string) []string {
	out := make([]string, 0)
	for label, needles := range g {
		for _, needle := range needles {
			if strings.Contains(text, needle) {
				out = append(out, label)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Heuristic classifies with keyword tables. It never fails for non-empty
// input and reports a fixed moderate confidence.
type Heuristic struct{}

func (Heuristic) Classify(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	raw := strings.TrimSpace(in.Title + ". " + in.Text)
	if strings.Trim(raw, ". ") == "" {
		return Result{}, ErrEmptyInput
	}
	text := " " + strings.ToLower(strings.Join(strings.Fields(raw), " ")) + " "

	tags := store.Tags{
		LinesOfBusiness: linesOfBusiness.match(text),
		Perils:          perils.match(text),
		Regions:         regions.match(text),
		Companies:       companies.match(text),
		Trends:          trends.match(text),
		Regulations:     regulations.match(text),
	}
	regulatory := len(tags.Regulations) > 0
	catastrophe := len(tags.Perils) > 0
	urgent := containsAny(text, urgentWords)

	severity := 2
	switch {
	case catastrophe && len(tags.Regions) > 0:
		severity = 4
	case catastrophe, regulatory:
		severity = 3
	case len(tags.LinesOfBusiness) == 0 && len(tags.Companies) == 0:
		severity = 1
	}

	action := store.ActionInformational
	switch {
	case regulatory && urgent:
		action = store.ActionNow
	case regulatory || catastrophe:
		action = store.ActionReview
	case len(tags.LinesOfBusiness) > 0 || len(tags.Companies) > 0:
		action = store.ActionMonitor
	}

	impact := &store.ImpactBreakdown{Market: 30, Regulatory: 10, Catastrophe: 10, Technology: 10}
	if len(tags.Companies) > 0 || containsAny(text, []string{"rate", "premium", "earnings"}) {
		impact.Market = 60
	}
	if regulatory {
		impact.Regulatory = 70
	}
	if catastrophe {
		impact.Catastrophe = 75
	}
	if len(tags.Trends) > 0 {
		impact.Technology = 40
	}

	return Result{
		Summary:   summarize(in),
		Category:  category(regulatory, catastrophe, tags),
		Sentiment: sentiment(text),
		Tags:      tags,
		Classification: store.Classification{
			Severity:      severity,
			Actionability: action,
			Confidence:    0.5,
			Impact:        impact,
			Regulatory:    regulatory,
			Catastrophe:   catastrophe,
			AIScore:       float64(20 + 10*min(len(tags.All()), 5)),
			Method:        MethodHeuristic,
		},
	}, nil
}

func category(regulatory, catastrophe bool, tags store.Tags) string {
	switch {
	case catastrophe:
		return "catastrophe"
	case regulatory:
		return "regulatory"
	case len(tags.Trends) > 0 && (containsLabel(tags.Trends, "AI") || containsLabel(tags.Trends, "Insurtech") || containsLabel(tags.Trends, "Telematics")):
		return "technology"
	case len(tags.Companies) > 0 || len(tags.LinesOfBusiness) > 0:
		return "market"
	default:
		return "general"
	}
}

func sentiment(text string) string {
	neg, pos := 0, 0
	for _, w := range negativeWords {
		if strings.Contains(text, w) {
			neg++
		}
	}
	for _, w := range positiveWords {
		if strings.Contains(text, w) {
			pos++
		}
	}
	switch {
	case neg > pos:
		return "negative"
	case pos > neg:
		return "positive"
	default:
		return "neutral"
	}
}

func summarize(in Input) string {
	text := strings.Join(strings.Fields(in.Text), " ")
	if text == "" {
		return strings.TrimSpace(in.Title)
	}
	if idx := strings.Index(text, ". "); idx > 0 && idx < 400 {
		return text[:idx+1]
	}
	runes := []rune(text)
	if len(runes) > 280 {
		return string(runes[:277]) + "..."
	}
	return text
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func containsLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
