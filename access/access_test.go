package access

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

type fakeNodes struct {
	byAE   map[string]*repo.NodeConfig
	active map[string]*repo.NodeConfig
}

func (f *fakeNodes) FindByAETitleAndPeer(callingAETitle, peerIP string) *repo.NodeConfig {
	return f.byAE[callingAETitle]
}

func (f *fakeNodes) FindActiveByAETitle(aeTitle string) *repo.NodeConfig {
	return f.active[aeTitle]
}

func TestCheck_PublicModeAllowsEverything(t *testing.T) {
	nodes := &fakeNodes{}
	decision := Check(repo.ModePublic, VerbCStore, "ANYONE", "1.2.3.4", "", nodes)
	require.True(t, decision.Allowed)
}

func TestCheck_PrivateModeDeniesUnknownAE(t *testing.T) {
	nodes := &fakeNodes{byAE: map[string]*repo.NodeConfig{}}
	decision := Check(repo.ModePrivate, VerbCStore, "UNKNOWN", "1.2.3.4", "", nodes)
	require.False(t, decision.Allowed)
}

func TestCheck_PrivateModeDeniesInactiveNode(t *testing.T) {
	nodes := &fakeNodes{byAE: map[string]*repo.NodeConfig{
		"AE1": {AETitle: "AE1", IsActive: false, Permission: repo.PermissionReadWrite},
	}}
	decision := Check(repo.ModePrivate, VerbCStore, "AE1", "1.2.3.4", "", nodes)
	require.False(t, decision.Allowed)
}

func TestCheck_CStoreRequiresWritePermission(t *testing.T) {
	nodes := &fakeNodes{byAE: map[string]*repo.NodeConfig{
		"AE1": {AETitle: "AE1", IsActive: true, Permission: repo.PermissionRead},
	}}
	decision := Check(repo.ModePrivate, VerbCStore, "AE1", "1.2.3.4", "", nodes)
	require.False(t, decision.Allowed)
}

func TestCheck_CFindAllowedWithReadPermission(t *testing.T) {
	nodes := &fakeNodes{byAE: map[string]*repo.NodeConfig{
		"AE1": {AETitle: "AE1", IsActive: true, Permission: repo.PermissionRead},
	}}
	decision := Check(repo.ModePrivate, VerbCFind, "AE1", "1.2.3.4", "", nodes)
	require.True(t, decision.Allowed)
}

func TestCheck_CMoveRequiresKnownActiveDestination(t *testing.T) {
	nodes := &fakeNodes{
		byAE: map[string]*repo.NodeConfig{
			"AE1": {AETitle: "AE1", IsActive: true, Permission: repo.PermissionReadWrite},
		},
		active: map[string]*repo.NodeConfig{},
	}
	decision := Check(repo.ModePrivate, VerbCMove, "AE1", "1.2.3.4", "DEST_AE", nodes)
	require.False(t, decision.Allowed)

	nodes.active["DEST_AE"] = &repo.NodeConfig{AETitle: "DEST_AE", IsActive: true}
	decision = Check(repo.ModePrivate, VerbCMove, "AE1", "1.2.3.4", "DEST_AE", nodes)
	require.True(t, decision.Allowed)
}
