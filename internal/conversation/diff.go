// internal/conversation/diff.go
package conversation

import (
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/user/reportstream/internal/types"
)

// VersionDiff renders the changes between two report texts.
func VersionDiff(old, new string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(old, new, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyText(diffs)
}

// DiffAgainstCurrent diffs a stored version against the current report.
// version is 1-based, matching the version numbers in the history.
func DiffAgainstCurrent(conv *types.Conversation, version int) (string, error) {
	for _, v := range conv.ReportVersions {
		if v.Version == version {
			return VersionDiff(v.Content, conv.CurrentReport), nil
		}
	}
	return "", fmt.Errorf("version %d not found in conversation %s", version, conv.ID)
}
