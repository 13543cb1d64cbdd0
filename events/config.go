package events

import (
	"context"
	"time"

	"github.com/imaging-tech-hub/dicom-proxy/config"
	"github.com/imaging-tech-hub/dicom-proxy/control"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

// handleConfigRefresh implements proxy.config_changed, proxy.nodes_changed,
// and proxy.status_changed: all three trigger the same full refetch-and-swap
// (spec §4.9), since the backend doesn't distinguish which fields changed in
// the event payload itself. A listen port or AE title change additionally
// restarts the DICOM server in place.
func (r *Registry) handleConfigRefresh(ctx context.Context, env control.Envelope) error {
	previous := r.deps.ConfigStore.Get()

	cfgResp, err := r.deps.ConfigFetcher.GetConfiguration(ctx)
	if err != nil {
		return wrapf("refetching configuration", err)
	}

	now := time.Now().UTC()
	next := &config.Snapshot{ProxyConfiguration: repo.ProxyConfiguration{
		IPAddress:              cfgResp.IPAddress,
		ListenPort:             cfgResp.Port,
		AETitle:                cfgResp.AETitle,
		Mode:                   repo.ProxyMode(cfgResp.Mode),
		EnablePHIAnonymization: cfgResp.EnablePHIAnonymization,
		AutoDispatch:           cfgResp.AutoDispatch,
		CleanupAfterUpload:     cfgResp.CleanupAfterUpload,
		CreatedAt:              now,
		UpdatedAt:              now,
	}}
	if previous != nil {
		next.ResolverAPIURL = previous.ResolverAPIURL
		next.ProxyKey = previous.ProxyKey
		next.CreatedAt = previous.CreatedAt
	}

	nodes, err := r.deps.ConfigFetcher.GetNodes(ctx)
	if err != nil {
		return wrapf("refetching nodes", err)
	}
	r.deps.NodeReplacer.Replace(nodes)

	r.deps.ConfigStore.Swap(next)

	if r.deps.Restarter != nil && previous != nil &&
		(previous.ListenPort != next.ListenPort || previous.AETitle != next.AETitle) {
		if err := r.deps.Restarter.Restart(ctx, next); err != nil {
			return wrapf("restarting dicom server after config change", err)
		}
	}

	r.deps.Logger.Info("configuration refreshed", "event_type", env.EventType, "nodes", len(nodes))
	return nil
}
