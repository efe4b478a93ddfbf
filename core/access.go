package core

// access.go — access validation (§4.4 access rules) over a manifest's
// AccessControl. Grounded on the teacher's access_control.go: a
// mutex-guarded in-memory cache in front of the manifest store, the same
// shape as the teacher's ledger-backed role cache, repurposed from
// role-grants to allowlist/denylist membership checks per manifest.

import "sync"

// AccessChecker evaluates access rules. It keeps a per-manifest copy of
// each AccessControl, filled by Prime and dropped by Invalidate; Check does
// not read that copy and evaluates the AccessControl passed to it on every
// call.
type AccessChecker struct {
	mu    sync.Mutex
	cache map[Hash]AccessControl
}

func NewAccessChecker() *AccessChecker {
	return &AccessChecker{cache: make(map[Hash]AccessControl)}
}

// Prime loads (or refreshes) the cached AccessControl for a manifest.
func (a *AccessChecker) Prime(hash Hash, ac AccessControl) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[hash] = ac
}

func (a *AccessChecker) Invalidate(hash Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cache, hash)
}

// Check applies §4.4's access rules: Private denies every external
// requester; Unlisted checks the allowlist (if set) and the denylist;
// Shared checks only the denylist. The manifest owner always passes.
//
// Per §8's boundary case, a denied Private lookup must be reported as
// NOT_FOUND by the caller (operations.go), not ACCESS_DENIED, to avoid
// leaking existence — this function still returns ErrAccessDenied so the
// caller can distinguish "exists but denied" from "truly absent" before
// remapping the wire code.
func (a *AccessChecker) Check(owner PeerID, visibility Visibility, ac AccessControl, requester PeerID) error {
	if requester == owner {
		return nil
	}
	switch visibility {
	case VisibilityPrivate:
		return ErrAccessDenied("access: manifest is private")

	case VisibilityUnlisted:
		if len(ac.Allowlist) > 0 && !contains(ac.Allowlist, requester) {
			return ErrAccessDenied("access: requester not on allowlist")
		}
		if contains(ac.Denylist, requester) {
			return ErrAccessDenied("access: requester on denylist")
		}
		return nil

	case VisibilityShared:
		if contains(ac.Denylist, requester) {
			return ErrAccessDenied("access: requester on denylist")
		}
		return nil

	default:
		return ErrBadManifest("access: unknown visibility value")
	}
}

func contains(list []PeerID, id PeerID) bool {
	for _, p := range list {
		if p == id {
			return true
		}
	}
	return false
}
