package projector

import "github.com/maumercado/task-queue-go/internal/apperr"

// Profile is the closed set of named field sets spec.md §4.7 defines.
type Profile string

const (
	ProfileMinimal Profile = "minimal"
	ProfileSummary Profile = "summary"
	ProfileBrief   Profile = "brief"
	ProfileFull    Profile = "full"
)

var profileFields = map[Profile][]string{
	ProfileMinimal: {"host", "plugin_id", "severity", "cve", "cvss_score", "exploit_available"},
	ProfileSummary: {"host", "plugin_id", "severity", "cve", "cvss_score", "exploit_available", "plugin_name", "cvss3_base_score", "synopsis"},
	ProfileBrief:   {"host", "plugin_id", "severity", "cve", "cvss_score", "exploit_available", "plugin_name", "cvss3_base_score", "synopsis", "description", "solution"},
}

// DefaultProfile is used when a caller specifies neither a profile nor
// custom fields.
const DefaultProfile = ProfileBrief

// resolveFields returns the field set a request should project, and
// rejects specifying both a non-default profile and custom fields.
func resolveFields(profile Profile, customFields []string) ([]string, bool, error) {
	if len(customFields) > 0 {
		if profile != "" && profile != DefaultProfile {
			return nil, false, apperr.New(apperr.InvalidArgument, "projector.resolveFields",
				"custom_fields is mutually exclusive with a non-default schema_profile")
		}
		return customFields, false, nil
	}

	if profile == "" {
		profile = DefaultProfile
	}
	if profile == ProfileFull {
		return nil, true, nil
	}
	fields, ok := profileFields[profile]
	if !ok {
		return nil, false, apperr.New(apperr.InvalidArgument, "projector.resolveFields", "unknown schema_profile "+string(profile))
	}
	return fields, false, nil
}

// project selects fields out of a record. all=true (the full profile)
// returns the record unchanged.
func project(r rawRecord, fields []string, all bool) rawRecord {
	if all {
		return r
	}
	out := make(rawRecord, len(fields))
	for _, f := range fields {
		out[f] = r[f]
	}
	return out
}
