package learning

import (
	"grouper_server/core/domain"
)

// Features derives the learning features of a correction: the name, address
// and job number pairs plus per-field differences.
func Features(original, corrected domain.GroupingSnapshot) domain.LearningFeatures {
	return domain.LearningFeatures{
		OriginalProjectName:  original.ProjectName,
		CorrectedProjectName: corrected.ProjectName,
		OriginalAddress:      original.Address,
		CorrectedAddress:     corrected.Address,
		OriginalJobNumbers:   original.JobNumbers,
		CorrectedJobNumbers:  corrected.JobNumbers,
		Differences:          Differences(original, corrected),
	}
}

// Differences lists project_name, address and client_info when they changed.
func Differences(original, corrected domain.GroupingSnapshot) map[string]domain.FieldDiff {
	diff := make(map[string]domain.FieldDiff)
	if original.ProjectName != corrected.ProjectName {
		diff["project_name"] = domain.FieldDiff{Original: nullable(original.ProjectName), Corrected: nullable(corrected.ProjectName)}
	}
	if original.Address != corrected.Address {
		diff["address"] = domain.FieldDiff{Original: nullable(original.Address), Corrected: nullable(corrected.Address)}
	}
	if !sameClient(original.ClientInfo, corrected.ClientInfo) {
		diff["client_info"] = domain.FieldDiff{Original: original.ClientInfo, Corrected: corrected.ClientInfo}
	}
	return diff
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sameClient(a, b *domain.ClientInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
