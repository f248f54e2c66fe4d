// Package guard centralizes path, command, and size validation for every
// log source before any I/O happens. All checks are pure functions: they
// never touch the network and touch the filesystem only to resolve
// symlinks. Rejections carry a machine-distinguishable reason so callers
// can log and surface them without string matching.
package guard

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Reason identifies why a candidate was rejected.
type Reason string

const (
	ReasonPathOutsideWhitelist Reason = "path-outside-whitelist"
	ReasonPathDenylisted       Reason = "path-denylisted"
	ReasonVerbNotAllowed       Reason = "command-verb-not-allowed"
	ReasonMetacharacter        Reason = "command-has-metacharacter"
	ReasonSizeExceeded         Reason = "size-exceeded"
)

// Rejection is the error returned for every failed validation.
type Rejection struct {
	Reason    Reason
	Candidate string
	Detail    string
}

func (r *Rejection) Error() string {
	if r.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", r.Reason, r.Candidate, r.Detail)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Candidate)
}

// Is lets callers match any rejection with errors.Is(err, guard.ErrRejected).
func (r *Rejection) Is(target error) bool { return target == ErrRejected }

// ErrRejected matches every guard rejection regardless of reason.
var ErrRejected = errors.New("rejected by access guard")

// ReasonOf extracts the rejection reason, or "" for non-guard errors.
func ReasonOf(err error) Reason {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

// denyPrefixes are sensitive system locations that are refused even when
// nominally inside an allowed prefix. Deny wins over allow.
var denyPrefixes = []string{
	"/etc/shadow",
	"/etc/passwd",
	"/etc/sudoers",
	"/root/.ssh",
	"/proc",
	"/sys",
}

// denySuffixes refuse private key material by extension.
var denySuffixes = []string{".pem", ".key"}

// DefaultAllowedVerbs are the remote command verbs the engine may issue.
var DefaultAllowedVerbs = []string{"tail", "cat", "head", "ls", "find", "stat", "truncate"}

// metacharacters whose presence anywhere in a command rejects it outright.
// Commands are executed without a shell, but the check stays as defense in
// depth against future transport changes.
const metacharacters = ";|&`$><\n\r"

// ValidatePath reports whether candidate may be accessed given the host's
// allowed path prefixes. The path is cleaned and symlinks resolved
// (best-effort; the final component may not exist yet) before comparison.
func ValidatePath(candidate string, allowedPrefixes []string) error {
	normalized := normalizePath(candidate)
	if !filepath.IsAbs(normalized) {
		return &Rejection{Reason: ReasonPathOutsideWhitelist, Candidate: candidate, Detail: "not absolute"}
	}

	lower := strings.ToLower(normalized)
	for _, deny := range denyPrefixes {
		if lower == deny || strings.HasPrefix(lower, deny+"/") {
			return &Rejection{Reason: ReasonPathDenylisted, Candidate: candidate, Detail: deny}
		}
	}
	for _, suffix := range denySuffixes {
		if strings.HasSuffix(lower, suffix) {
			return &Rejection{Reason: ReasonPathDenylisted, Candidate: candidate, Detail: "*" + suffix}
		}
	}

	for _, allowed := range allowedPrefixes {
		prefix := normalizePath(allowed)
		if normalized == prefix || strings.HasPrefix(normalized, strings.TrimSuffix(prefix, "/")+"/") {
			return nil
		}
	}
	return &Rejection{Reason: ReasonPathOutsideWhitelist, Candidate: candidate}
}

// normalizePath cleans the path and resolves symlinks where possible.
// EvalSymlinks fails for paths that do not exist locally (remote paths,
// not-yet-created files); in that case the cleaned path is used as-is,
// which still collapses "." and ".." segments.
func normalizePath(p string) string {
	cleaned := filepath.Clean(p)
	if resolved, err := filepath.EvalSymlinks(cleaned); err == nil {
		return resolved
	}
	return cleaned
}

// ValidateCommand reports whether a remote command may be issued. The
// leading verb must be whitelisted and the raw string must be free of
// shell metacharacters.
func ValidateCommand(candidate string, allowedVerbs []string) error {
	if strings.ContainsAny(candidate, metacharacters) {
		return &Rejection{Reason: ReasonMetacharacter, Candidate: candidate}
	}

	fields := strings.Fields(candidate)
	if len(fields) == 0 {
		return &Rejection{Reason: ReasonVerbNotAllowed, Candidate: candidate, Detail: "empty command"}
	}
	verb := fields[0]
	for _, allowed := range allowedVerbs {
		if verb == allowed {
			return nil
		}
	}
	return &Rejection{Reason: ReasonVerbNotAllowed, Candidate: candidate, Detail: verb}
}

// CheckFileSize reports whether an observed file size is within the
// configured bound.
func CheckFileSize(observed, max int64) error {
	if observed < 0 || observed > max {
		return &Rejection{
			Reason:    ReasonSizeExceeded,
			Candidate: fmt.Sprintf("%d bytes", observed),
			Detail:    fmt.Sprintf("max %d", max),
		}
	}
	return nil
}
