package improve

import (
	"strings"
)

// analyzeDiff computes the three analysis scores and the structural facts of
// a unified diff: changed line count, touched paths, and whether test files
// are added or extended.
//
// The scores are deterministic lexical heuristics. They are deliberately
// conservative: a candidate that trips none of the detectors scores high,
// and every detector only subtracts.
func analyzeDiff(diff string) (AnalysisScores, int, []string, bool) {
	scores := AnalysisScores{Quality: 1.0, Security: 1.0, Perf: 1.0}

	changed := 0
	testsTouched := false
	var paths []string
	seen := make(map[string]struct{})

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ b/"):
			path := strings.TrimPrefix(line, "+++ b/")
			if _, dup := seen[path]; !dup && path != "dev/null" {
				seen[path] = struct{}{}
				paths = append(paths, path)
			}
			if strings.HasSuffix(path, "_test.go") {
				testsTouched = true
			}

		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			changed++
			added := line[1:]
			scoreAddedLine(added, &scores)

		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			changed++
		}
	}

	clampScores(&scores)
	return scores, changed, paths, testsTouched
}

// scoreAddedLine subtracts for risk markers in one added line.
func scoreAddedLine(line string, scores *AnalysisScores) {
	trimmed := strings.TrimSpace(line)

	// Quality detectors.
	if strings.Contains(trimmed, "TODO") || strings.Contains(trimmed, "FIXME") {
		scores.Quality -= 0.05
	}
	if strings.Contains(trimmed, "panic(") {
		scores.Quality -= 0.10
	}
	if len(line) > 160 {
		scores.Quality -= 0.02
	}

	// Security detectors.
	if strings.Contains(trimmed, "os/exec") || strings.Contains(trimmed, "exec.Command") {
		scores.Security -= 0.15
	}
	if strings.Contains(trimmed, "http://") {
		scores.Security -= 0.10
	}
	if looksLikeSecret(trimmed) {
		scores.Security -= 0.30
	}
	if strings.Contains(trimmed, "InsecureSkipVerify") {
		scores.Security -= 0.30
	}

	// Performance detectors.
	if strings.Contains(trimmed, "time.Sleep(") {
		scores.Perf -= 0.10
	}
	if strings.Contains(trimmed, "reflect.") {
		scores.Perf -= 0.05
	}
}

// looksLikeSecret flags assignments of long literal values to
// credential-named identifiers.
func looksLikeSecret(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range []string{"password", "secret", "api_key", "apikey", "token"} {
		if idx := strings.Index(lower, marker); idx >= 0 {
			rest := line[idx:]
			if eq := strings.IndexAny(rest, "=:"); eq >= 0 {
				value := strings.Trim(strings.TrimSpace(rest[eq+1:]), `"'`)
				if len(value) >= 16 && !strings.HasPrefix(value, "$") && !strings.Contains(value, "(") {
					return true
				}
			}
		}
	}
	return false
}

func clampScores(s *AnalysisScores) {
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	s.Quality = clamp(s.Quality)
	s.Security = clamp(s.Security)
	s.Perf = clamp(s.Perf)
}
