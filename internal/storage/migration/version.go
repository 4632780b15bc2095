// Package migration steps the persisted schema version forward one version
// at a time, transforming stored data where a version requires it.
package migration

// ModelVersion is the ordered marker of the on-disk schema generation.
type ModelVersion int

const (
	// VersionFlatTasks is the pre-profile layout: a flat task list without
	// owning profiles.
	VersionFlatTasks ModelVersion = iota + 1
	// VersionProfiles groups tasks into profiles per insured person.
	VersionProfiles
	// VersionAuditEventsInProfile drops the obsolete flat audit event
	// records; audit events live inside profiles from here on.
	VersionAuditEventsInProfile
	// VersionTaskStatus introduces the task status field. No data
	// transformation is needed, the marker just advances.
	VersionTaskStatus
)

// latestVersion is the newest schema generation this build understands.
const latestVersion = VersionTaskStatus

// Next returns the following version, or false when v is already latest.
func (v ModelVersion) Next() (ModelVersion, bool) {
	if v >= latestVersion {
		return v, false
	}
	return v + 1, true
}

// IsLast reports whether v is the newest known version.
func (v ModelVersion) IsLast() bool { return v >= latestVersion }

func (v ModelVersion) String() string {
	switch v {
	case VersionFlatTasks:
		return "flatTasks"
	case VersionProfiles:
		return "profiles"
	case VersionAuditEventsInProfile:
		return "auditEventsInProfile"
	case VersionTaskStatus:
		return "taskStatus"
	}
	return "unknown"
}
