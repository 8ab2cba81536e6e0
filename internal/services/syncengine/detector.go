// Package syncengine keeps features and their tracker work items consistent:
// the conflict detector, the comment mirror and the reconciliation
// orchestrator shared by the scheduled sweep and the webhook path.
package syncengine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/huangang/featurehub/internal/models"
	"github.com/huangang/featurehub/internal/tracker"
)

// Verdict is the detector's classification of one feature.
type Verdict int

const (
	// Clean: neither side changed since the last sync.
	Clean Verdict = iota
	// LocalOnly: local fields changed; push them.
	LocalOnly
	// ExternalOnly: the work item changed; pull it.
	ExternalOnly
	// Conflict: both changed. Nothing is applied until an admin resolves it.
	Conflict
)

func (v Verdict) String() string {
	switch v {
	case Clean:
		return "clean"
	case LocalOnly:
		return "local_only"
	case ExternalOnly:
		return "external_only"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// Detector classifies a feature against the current state of its work item.
type Detector struct{}

// Classify compares LastSyncAt with the feature's LastEditedAt and the work
// item's UpdatedAt. A work item counts as changed only when its timestamp
// moved past LastSyncAt and its content fingerprint differs from the one
// recorded at the last sync; comment activity bumps the timestamp alone.
//
// A feature that was never synced has no baseline: it is Clean when both
// sides already agree and a Conflict otherwise.
func (Detector) Classify(f *models.Feature, ext *tracker.WorkItem, compareStatus bool) Verdict {
	if f.LastSyncAt == nil {
		if fieldsEqual(f, ext, compareStatus) {
			return Clean
		}
		return Conflict
	}
	lastSync := *f.LastSyncAt

	localChanged := f.LastEditedAt.After(lastSync)
	externalChanged := ext.UpdatedAt.After(lastSync) &&
		(f.ExternalFingerprint == "" || Fingerprint(ext) != f.ExternalFingerprint)

	return classify(localChanged, externalChanged)
}

func classify(localChanged, externalChanged bool) Verdict {
	switch {
	case localChanged && externalChanged:
		return Conflict
	case externalChanged:
		return ExternalOnly
	case localChanged:
		return LocalOnly
	default:
		return Clean
	}
}

// Fingerprint hashes the work item fields the engine synchronizes.
func Fingerprint(ext *tracker.WorkItem) string {
	h := sha256.New()
	h.Write([]byte(ext.Title))
	h.Write([]byte{0})
	h.Write([]byte(ext.Description))
	h.Write([]byte{0})
	h.Write([]byte(ext.State))
	return hex.EncodeToString(h.Sum(nil))
}

func fieldsEqual(f *models.Feature, ext *tracker.WorkItem, compareStatus bool) bool {
	if strings.TrimSpace(f.Title) != strings.TrimSpace(ext.Title) {
		return false
	}
	if strings.TrimSpace(f.Description) != strings.TrimSpace(ext.Description) {
		return false
	}
	if compareStatus && ext.Status != "" && ext.Status != f.Status {
		return false
	}
	return true
}
