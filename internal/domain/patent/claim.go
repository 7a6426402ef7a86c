package patent

import "regexp"

// claimDepRE is the dependency cue: "claim 1", "Claims 2", etc. The captured
// group is the referenced claim number.
var claimDepRE = regexp.MustCompile(`(?i)\bclaims?\s+(\d+)\b`)

// ParseClaimDependency classifies a claim text. It returns true and the
// ordered list of referenced claim numbers when the text contains at least
// one dependency cue, and false with no numbers otherwise.
func ParseClaimDependency(text string) (bool, []string) {
	matches := claimDepRE.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return false, nil
	}
	deps := make([]string, 0, len(matches))
	for _, m := range matches {
		deps = append(deps, m[1])
	}
	return true, deps
}
