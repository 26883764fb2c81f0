// Package installer implements the component install pipeline: download,
// hash and signature verification, extraction, and package install, with
// bad-version gating and a hard path allowlist for destructive cleanup.
package installer

import (
	"sort"
	"strings"
)

// Target describes one installable component as delivered by the
// configuration pull.
type Target struct {
	Identifier           string   `json:"identifier"`
	Version              string   `json:"version"`
	Priority             int      `json:"priority"`
	DownloadURL          string   `json:"download_url"`
	SignatureURL         string   `json:"signature_url"`
	FileHash             string   `json:"file_hash"`
	BadVersions          []string `json:"bad_versions,omitempty"`
	IsInstallableByAgent bool     `json:"is_installable_by_acme"`
}

// IsBadVersion reports whether v appears in the target's bad list.
func (t Target) IsBadVersion(v string) bool {
	for _, bad := range t.BadVersions {
		if bad == v {
			return true
		}
	}
	return false
}

// SortTargets orders targets ascending by priority, identifier as the
// tiebreaker.
func SortTargets(targets []Target) {
	sort.SliceStable(targets, func(i, j int) bool {
		if targets[i].Priority != targets[j].Priority {
			return targets[i].Priority < targets[j].Priority
		}
		return targets[i].Identifier < targets[j].Identifier
	})
}

// ErrorCode is the bitset install outcome carried on installer events.
// Part of the wire format.
type ErrorCode int

const (
	CodeSuccess                  ErrorCode = 0
	CodeFetchConfigurationFailed ErrorCode = 1
	CodeDownloadFailed           ErrorCode = 2
	CodeCodeSignVerifyFailed     ErrorCode = 4
	CodeZipExtractionFailed      ErrorCode = 8
	CodeFailedToClean            ErrorCode = 16
	CodeSignHashVerifyFailed     ErrorCode = 32
	CodeInstallFailed            ErrorCode = 64
)

func (c ErrorCode) String() string {
	if c == CodeSuccess {
		return "SUCCESS"
	}
	names := []struct {
		bit  ErrorCode
		name string
	}{
		{CodeFetchConfigurationFailed, "FETCH_CONFIGURATION_FAILED"},
		{CodeDownloadFailed, "DOWNLOAD_FAILED"},
		{CodeCodeSignVerifyFailed, "CODE_SIGN_VERIFY_FAILED"},
		{CodeZipExtractionFailed, "ZIP_EXTRACTION_FAILED"},
		{CodeFailedToClean, "FAILED_TO_CLEAN"},
		{CodeSignHashVerifyFailed, "SIGN_HASH_VERIFY_FAILED"},
		{CodeInstallFailed, "INSTALL_FAILED"},
	}
	var parts []string
	for _, n := range names {
		if c&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "|")
}
