package relay

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.etcd.io/bbolt"

	"github.com/quadstr/quadstr/lib/eventstore"
	"github.com/quadstr/quadstr/lib/logging"
	"github.com/quadstr/quadstr/lib/metrics"
)

// writeJob is one validated event awaiting commit.
type writeJob struct {
	conn  Sender
	event *nostr.Event
}

// runWriter is the singleton owner of the write transaction. It drains
// the queue into batches, installs each batch in one transaction, and
// only after a successful commit answers OK lines and publishes to the
// monitors. Ephemeral kinds never touch the store: they get a synthetic
// quadID, go into the in-memory cache and are published immediately.
func (r *Relay) runWriter() {
	defer r.wg.Done()
	for {
		var first writeJob
		select {
		case first = <-r.writeCh:
		case <-r.shutdown:
			return
		}

		batch := []writeJob{first}
		deadline := time.NewTimer(r.cfg.BatchWindow)
	collect:
		for len(batch) < r.cfg.BatchSize {
			select {
			case job := <-r.writeCh:
				batch = append(batch, job)
			case <-deadline.C:
				break collect
			case <-r.shutdown:
				deadline.Stop()
				return
			}
		}
		deadline.Stop()

		r.commitBatch(batch)
	}
}

func (r *Relay) commitBatch(batch []writeJob) {
	now := time.Now().Unix()

	var persist []writeJob
	for _, job := range batch {
		if eventstore.IsEphemeral(job.event.Kind) {
			quad := r.events.NextQuadID()
			r.events.Ephemeral.Add(job.event, r.cfg.EphemeralLifetime)
			job.conn.SendOK(job.event.ID, true, "")
			metrics.CountEvent(job.event.Kind)
			r.publish(quad, job.event)
			continue
		}
		persist = append(persist, job)
	}
	if len(persist) == 0 {
		return
	}

	outcomes := make([]eventstore.Outcome, len(persist))

	var err error
	for attempt := 0; ; attempt++ {
		err = r.events.Store().Update(func(tx *bbolt.Tx) error {
			for i, job := range persist {
				out, ierr := r.events.Install(tx, job.event, now)
				if ierr != nil {
					return ierr
				}
				outcomes[i] = out
			}
			return nil
		})
		if err == nil {
			break
		}
		if attempt >= r.cfg.CommitRetries {
			break
		}
		metrics.WriterCommitRetries.Inc()
		logging.Warnf("writer: commit failed (attempt %d): %v", attempt+1, err)
	}
	if err != nil {
		// Durability cannot be guaranteed any more; refuse the batch and
		// stop accepting writes.
		logging.Errorf("writer: commit failed permanently: %v", err)
		for _, job := range persist {
			job.conn.SendOK(job.event.ID, false, "error: could not persist event")
		}
		r.fail(err)
		return
	}

	metrics.WriterBatches.Inc()

	for i, job := range persist {
		out := outcomes[i]
		metrics.InstallOutcomes.WithLabelValues(out.Kind.String()).Inc()
		ok, reason := okReason(out)
		job.conn.SendOK(job.event.ID, ok, reason)
		if out.Kind == eventstore.Stored || out.Kind == eventstore.Replaced {
			metrics.CountEvent(job.event.Kind)
			r.publish(out.Quad, job.event)
		}
	}
}

// publish fans one admitted event out to every monitor partition, in
// commit order because only the writer calls it.
func (r *Relay) publish(quad uint64, ev *nostr.Event) {
	pub := publishedEvent{quad: quad, event: ev}
	for _, m := range r.monitors {
		select {
		case m.eventCh <- pub:
		case <-r.shutdown:
			return
		}
	}
}
