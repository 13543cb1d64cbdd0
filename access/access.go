// Package access implements spec §4.12's access control: public/private
// mode, per-DIMSE-verb permission enforcement, and C-MOVE destination
// validation.
package access

import (
	"fmt"

	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

// Verb identifies the inbound DIMSE operation being checked.
type Verb int

const (
	VerbCStore Verb = iota
	VerbCFind
	VerbCGet
	VerbCMove
)

// NodeLookup is the subset of *registry.NodeRegistry access control needs.
type NodeLookup interface {
	FindByAETitleAndPeer(callingAETitle, peerIP string) *repo.NodeConfig
	FindActiveByAETitle(aeTitle string) *repo.NodeConfig
}

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Check implements spec §4.12. mode=public allows every verb from every
// peer. mode=private looks up the calling node by AE title (disambiguated
// by peerIP), rejects if absent/inactive, then enforces the permission the
// verb requires. For C-MOVE, moveDestinationAETitle is additionally
// required to map to a known, active NodeConfig.
func Check(mode repo.ProxyMode, verb Verb, callingAETitle, peerIP string, moveDestinationAETitle string, nodes NodeLookup) Decision {
	if mode == repo.ModePublic {
		return allow()
	}

	node := nodes.FindByAETitleAndPeer(callingAETitle, peerIP)
	if node == nil {
		return deny(fmt.Sprintf("no NodeConfig for calling AE %q", callingAETitle))
	}
	if !node.IsActive {
		return deny(fmt.Sprintf("NodeConfig for %q is inactive", callingAETitle))
	}

	if !permissionAllows(node.Permission, verb) {
		return deny(fmt.Sprintf("NodeConfig for %q lacks permission for this operation", callingAETitle))
	}

	if verb == VerbCMove {
		dest := nodes.FindActiveByAETitle(moveDestinationAETitle)
		if dest == nil {
			return deny(fmt.Sprintf("move destination AE %q is not a known, active NodeConfig", moveDestinationAETitle))
		}
	}

	return allow()
}

func permissionAllows(permission repo.NodePermission, verb Verb) bool {
	switch verb {
	case VerbCStore:
		return permission == repo.PermissionWrite || permission == repo.PermissionReadWrite
	case VerbCFind, VerbCGet, VerbCMove:
		return permission == repo.PermissionRead || permission == repo.PermissionReadWrite
	default:
		return false
	}
}
