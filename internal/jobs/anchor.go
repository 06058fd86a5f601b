// anchor.go implements the AnchorJob background job, which periodically
// copies each chain's tail hash to a storage sink outside the audit database.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/tradeforge/compliance-backend/internal/anchor"
	"github.com/tradeforge/compliance-backend/internal/audit"
	"github.com/tradeforge/compliance-backend/internal/db/repositories"
	"github.com/tradeforge/compliance-backend/internal/telemetry"
)

// CheckpointLedger is the subset of the checkpoint repository the job needs.
type CheckpointLedger interface {
	Insert(ctx context.Context, cp *repositories.AnchoredCheckpoint) error
	Latest(ctx context.Context, chainID, sink string) (*repositories.AnchoredCheckpoint, error)
}

// AnchorJob periodically anchors chain tail checkpoints to an external sink.
type AnchorJob struct {
	chain       audit.ChainStore
	checkpoints CheckpointLedger
	sink        anchor.Sink
	signer      *anchor.Signer
	chains      []string
	interval    time.Duration
	stopChan    chan struct{}
	now         func() time.Time
}

// NewAnchorJob creates the checkpoint anchoring job. signer may be nil;
// checkpoints are then anchored unsigned. An empty chain list means the
// default chain.
func NewAnchorJob(chain audit.ChainStore, checkpoints CheckpointLedger,
	sink anchor.Sink, signer *anchor.Signer, chains []string, interval time.Duration) *AnchorJob {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if len(chains) == 0 {
		chains = []string{audit.DefaultChainID}
	}

	return &AnchorJob{
		chain:       chain,
		checkpoints: checkpoints,
		sink:        sink,
		signer:      signer,
		chains:      chains,
		interval:    interval,
		stopChan:    make(chan struct{}),
		now:         time.Now,
	}
}

// Sink exposes the configured sink, used by the readiness probe.
func (j *AnchorJob) Sink() anchor.Sink {
	return j.sink
}

// Start begins the anchoring loop. Blocks until Stop is called or the context
// is cancelled.
func (j *AnchorJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("anchor job started",
		"interval", j.interval, "sink", j.sink.Name(), "chains", j.chains)

	// Run immediately on start
	j.runAnchor(ctx)

	for {
		select {
		case <-ticker.C:
			j.runAnchor(ctx)
		case <-j.stopChan:
			slog.Info("anchor job stopped")
			return
		case <-ctx.Done():
			slog.Info("anchor job context cancelled")
			return
		}
	}
}

// Stop stops the anchoring loop.
func (j *AnchorJob) Stop() {
	close(j.stopChan)
}

// runAnchor anchors every configured chain whose tail has moved since the
// last checkpoint.
func (j *AnchorJob) runAnchor(ctx context.Context) {
	for _, chainID := range j.chains {
		if err := j.anchorChain(ctx, chainID); err != nil {
			telemetry.CheckpointsAnchored.WithLabelValues(j.sink.Name(), "error").Inc()
			slog.Error("failed to anchor chain", "chain", chainID, "error", err)
		}
	}
}

func (j *AnchorJob) anchorChain(ctx context.Context, chainID string) error {
	tail, err := j.chain.GetTail(ctx, chainID)
	if err != nil {
		return err
	}
	if tail == nil {
		// Empty chain, nothing to pin.
		return nil
	}

	last, err := j.checkpoints.Latest(ctx, chainID, j.sink.Name())
	if err != nil {
		return err
	}
	if last != nil && last.SequenceNumber >= tail.SequenceNumber {
		slog.Debug("chain tail unchanged since last checkpoint",
			"chain", chainID, "sequence_number", tail.SequenceNumber)
		return nil
	}

	cp := anchor.FromTail(tail, j.now())
	payload, err := cp.Payload()
	if err != nil {
		return err
	}

	location, err := j.sink.Put(ctx, cp.Key(), payload)
	if err != nil {
		return err
	}

	signed := false
	if j.signer != nil {
		sig, err := j.signer.Sign(payload)
		if err != nil {
			return err
		}
		if _, err := j.sink.Put(ctx, cp.Key()+".asc", sig); err != nil {
			return err
		}
		signed = true
	}

	err = j.checkpoints.Insert(ctx, &repositories.AnchoredCheckpoint{
		ChainID:        cp.ChainID,
		SequenceNumber: cp.SequenceNumber,
		RecordHash:     cp.RecordHash,
		Sink:           j.sink.Name(),
		Location:       location,
		Signed:         signed,
		AnchoredAt:     cp.AnchoredAt,
	})
	if err != nil {
		return err
	}

	telemetry.CheckpointsAnchored.WithLabelValues(j.sink.Name(), "success").Inc()
	slog.Info("anchored chain checkpoint",
		"chain", chainID,
		"sequence_number", cp.SequenceNumber,
		"sink", j.sink.Name(),
		"location", location,
		"signed", signed)

	return nil
}
