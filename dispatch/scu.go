package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/imaging-tech-hub/dicom-proxy/client"
	"github.com/imaging-tech-hub/dicom-proxy/metrics"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

const defaultWorkerPoolSize = 5

// Instance is one file queued for SCU dispatch: an already PHI-resolved,
// File-Meta-complete Part 10 byte stream plus its identifying UIDs.
type Instance struct {
	SOPClassUID    string
	SOPInstanceUID string
	Data           []byte
}

// SendResult is the outcome of sending a batch of Instances to one node.
type SendResult struct {
	NodeID      string
	FilesSent   int
	FilesFailed int
	Err         error
}

// Dispatcher implements spec §4.11: send_to_node, send_to_multiple_nodes,
// and the verify-only C-ECHO variant.
type Dispatcher struct {
	logger         *slog.Logger
	workerPoolSize int64
	callingAETitle string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkerPoolSize overrides the default 5-worker fan-out pool used by
// SendToMultipleNodes.
func WithWorkerPoolSize(n int) Option {
	return func(d *Dispatcher) { d.workerPoolSize = int64(n) }
}

// NewDispatcher builds a Dispatcher. callingAETitle is the proxy's own AE
// title, presented on every outbound association.
func NewDispatcher(callingAETitle string, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger:         logger,
		workerPoolSize: defaultWorkerPoolSize,
		callingAETitle: callingAETitle,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendToNode opens one association to node with max_pdu=node.MaxPDUSize and
// timeout=node.ConnectionTimeout, issues a C-STORE per instance, and retries
// the whole batch up to node.RetryCount times with node.RetryDelay between
// attempts on transport failure.
func (d *Dispatcher) SendToNode(ctx context.Context, node *repo.NodeConfig, instances []Instance) (filesSent, filesFailed int, err error) {
	retries := node.RetryCount
	if retries <= 0 {
		retries = 1
	}
	delay := node.RetryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		sent, failed, sendErr := d.sendBatch(ctx, node, instances)
		if sendErr == nil {
			metrics.DispatchesTotal.WithLabelValues(node.NodeID, "sent").Add(float64(sent))
			metrics.DispatchesTotal.WithLabelValues(node.NodeID, "failed").Add(float64(failed))
			return sent, failed, nil
		}
		lastErr = sendErr
		d.logger.Warn("scu dispatch attempt failed", "node_id", node.NodeID, "attempt", attempt, "error", sendErr)

		if attempt < retries {
			select {
			case <-ctx.Done():
				metrics.DispatchesTotal.WithLabelValues(node.NodeID, "failed").Add(float64(len(instances)))
				return 0, len(instances), ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	metrics.DispatchesTotal.WithLabelValues(node.NodeID, "failed").Add(float64(len(instances)))
	return 0, len(instances), fmt.Errorf("scu: all %d attempts to node %s failed: %w", retries, node.NodeID, lastErr)
}

func (d *Dispatcher) sendBatch(ctx context.Context, node *repo.NodeConfig, instances []Instance) (filesSent, filesFailed int, err error) {
	address := fmt.Sprintf("%s:%d", node.Host, node.Port)
	assoc, err := client.Connect(address, client.Config{
		CallingAETitle: d.callingAETitle,
		CalledAETitle:  node.AETitle,
		MaxPDULength:   node.MaxPDUSize,
		ConnectTimeout: node.ConnectionTimeout,
		Logger:         d.logger,
	})
	if err != nil {
		return 0, len(instances), fmt.Errorf("connecting to node %s: %w", node.NodeID, err)
	}
	defer assoc.Close()

	for i, instance := range instances {
		resp, sendErr := assoc.SendCStore(&client.CStoreRequest{
			SOPClassUID:    instance.SOPClassUID,
			SOPInstanceUID: instance.SOPInstanceUID,
			Data:           instance.Data,
			MessageID:      uint16(i + 1),
		})
		if sendErr != nil {
			return filesSent, len(instances) - filesSent, fmt.Errorf("c-store to node %s: %w", node.NodeID, sendErr)
		}
		if resp.Status == 0x0000 {
			filesSent++
		} else {
			filesFailed++
		}
	}
	return filesSent, filesFailed, nil
}

// SendToMultipleNodes fans out SendToNode across a bounded worker pool
// (default 5) and aggregates one SendResult per node.
func (d *Dispatcher) SendToMultipleNodes(ctx context.Context, nodes []*repo.NodeConfig, instances []Instance) []SendResult {
	results := make([]SendResult, len(nodes))
	sem := semaphore.NewWeighted(d.workerPoolSize)
	group, groupCtx := errgroup.WithContext(ctx)

	for i, node := range nodes {
		i, node := i, node
		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				results[i] = SendResult{NodeID: node.NodeID, Err: err}
				return nil
			}
			defer sem.Release(1)

			sent, failed, err := d.SendToNode(groupCtx, node, instances)
			results[i] = SendResult{NodeID: node.NodeID, FilesSent: sent, FilesFailed: failed, Err: err}
			return nil
		})
	}
	_ = group.Wait() // per-node errors are captured in results, never fail the group
	return results
}

// VerifyNode performs a single C-ECHO against node and returns whether it
// succeeded, per spec §4.11's verify-only variant.
func (d *Dispatcher) VerifyNode(ctx context.Context, node *repo.NodeConfig) bool {
	address := fmt.Sprintf("%s:%d", node.Host, node.Port)
	assoc, err := client.Connect(address, client.Config{
		CallingAETitle: d.callingAETitle,
		CalledAETitle:  node.AETitle,
		MaxPDULength:   node.MaxPDUSize,
		ConnectTimeout: node.ConnectionTimeout,
		Logger:         d.logger,
	})
	if err != nil {
		d.logger.Debug("scu verify: connect failed", "node_id", node.NodeID, "error", err)
		return false
	}
	defer assoc.Close()

	resp, err := assoc.SendCEcho(1)
	if err != nil {
		d.logger.Debug("scu verify: c-echo failed", "node_id", node.NodeID, "error", err)
		return false
	}
	return resp.Status == 0x0000
}
