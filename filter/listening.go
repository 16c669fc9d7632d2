// Package filter decides which local regions a pipe has to listen to.
package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/maxpert/sluice/meta"
)

const (
	OptionAll = "all"

	PlanDataInsert = "data.insert"
	PlanDataDelete = "data.delete"

	DefaultInclusion = PlanDataInsert
	DefaultPattern   = "root.**"
)

// planTypes are the leaves of the inclusion tree. An option selects every leaf
// it equals or is a dotted prefix of.
var planTypes = []string{
	PlanDataInsert,
	PlanDataDelete,
	"schema.database.create",
	"schema.database.alter",
	"schema.database.drop",
	"schema.timeseries.ordinary",
	"schema.timeseries.view",
	"schema.timeseries.template",
	"auth.role",
	"auth.user",
}

func splitOptions(value string) []string {
	var out []string
	for _, o := range strings.Split(value, ",") {
		if o = strings.ToLower(strings.TrimSpace(o)); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func selects(option, planType string) bool {
	return option == OptionAll || option == planType || strings.HasPrefix(planType, option+".")
}

func expand(options []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for _, option := range options {
		matched := false
		for _, t := range planTypes {
			if selects(option, t) {
				out[t] = struct{}{}
				matched = true
			}
		}
		if !matched {
			return nil, fmt.Errorf("unknown inclusion option %q", option)
		}
	}
	return out, nil
}

// ListenedPlanTypes returns the sorted leaves selected by the inclusion list
// minus those selected by the exclusion list
func ListenedPlanTypes(params meta.Parameters) ([]string, error) {
	included, err := expand(splitOptions(params.GetOrDefault(DefaultInclusion, meta.ExtractorInclusionKey, meta.SourceInclusionKey)))
	if err != nil {
		return nil, err
	}
	excluded, err := expand(splitOptions(params.GetOrDefault("", meta.ExtractorExclusionKey, meta.SourceExclusionKey)))
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(included))
	for t := range included {
		if _, ok := excluded[t]; !ok {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}

// InsertionDeletionOptions reports whether data insertions and deletions are captured
func InsertionDeletionOptions(params meta.Parameters) (insertion, deletion bool, err error) {
	types, err := ListenedPlanTypes(params)
	if err != nil {
		return false, false, err
	}
	for _, t := range types {
		switch t {
		case PlanDataInsert:
			insertion = true
		case PlanDataDelete:
			deletion = true
		}
	}
	return insertion, deletion, nil
}

// ShouldDataRegionBeListened reports whether a data region of database can
// hold changes the pipe captures
func ShouldDataRegionBeListened(params meta.Parameters, database string) (bool, error) {
	insertion, deletion, err := InsertionDeletionOptions(params)
	if err != nil || (!insertion && !deletion) {
		return false, err
	}

	pattern := params.GetOrDefault(DefaultPattern, meta.ExtractorPatternKey, meta.SourcePatternKey)
	return PatternMayOverlapDatabase(pattern, database)
}

// SchemaPlanTypes returns the time series plan types a schema region forwards
func SchemaPlanTypes(params meta.Parameters) ([]string, error) {
	types, err := ListenedPlanTypes(params)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range types {
		if strings.HasPrefix(t, "schema.timeseries.") {
			out = append(out, t)
		}
	}
	return out, nil
}

// ShouldSchemaRegionBeListened reports whether the pipe forwards schema region plans
func ShouldSchemaRegionBeListened(params meta.Parameters) (bool, error) {
	types, err := SchemaPlanTypes(params)
	return len(types) > 0, err
}

// PatternMayOverlapDatabase reports whether a path pattern may select series
// stored under database. The pattern is cut to the depth of the database
// (or at its first "**") and glob matched with '.' as separator.
func PatternMayOverlapDatabase(pattern, database string) (bool, error) {
	segments := strings.Split(pattern, ".")
	dbDepth := len(strings.Split(database, "."))

	prefix := make([]string, 0, dbDepth)
	for _, s := range segments {
		if s == "**" {
			prefix = append(prefix, s)
			break
		}
		if len(prefix) == dbDepth {
			break
		}
		prefix = append(prefix, s)
	}

	g, err := glob.Compile(strings.Join(prefix, "."), '.')
	if err != nil {
		return false, fmt.Errorf("invalid path pattern %q: %w", pattern, err)
	}
	return g.Match(database), nil
}
