package relay

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/quadstr/quadstr/lib/eventstore"
	"github.com/quadstr/quadstr/lib/logging"
	"github.com/quadstr/quadstr/lib/metrics"
)

// scanJob is one subscription's historical query, time-sliced across
// worker turns so a huge scan cannot starve the pool.
type scanJob struct {
	sub  *Subscription
	conn Sender
	scan *eventstore.Scan
}

func (r *Relay) runReqWorker(idx int) {
	defer r.wg.Done()
	for {
		select {
		case job := <-r.scanCh:
			r.scanStep(job)
		case <-r.shutdown:
			return
		}
	}
}

func (r *Relay) scanStep(job *scanJob) {
	if job.sub.Cancelled() {
		return
	}

	done, err := job.scan.Step(r.cfg.TimesliceBudget, func(ev *nostr.Event, quad uint64) bool {
		if job.sub.Cancelled() {
			return false
		}
		job.conn.SendEvent(job.sub.SubID, ev)
		return true
	})
	if err != nil {
		logging.Errorf("reqworker: scan for sub %s failed: %v", job.sub.SubID, err)
		job.conn.SendNotice("error: query failed")
		r.CloseSubscription(job.sub.ConnID, job.sub.SubID)
		return
	}

	if !done {
		metrics.ScanYields.Inc()
		r.requeueScan(job)
		return
	}

	if job.sub.Cancelled() {
		return
	}

	job.conn.SendEOSE(job.sub.SubID)

	// Hand over to live fan-out. The monitor replays anything committed
	// above the scan's snapshot before registering the subscription.
	job.sub.SetLatestQuad(job.scan.MaxQuad)
	select {
	case r.monitorFor(job.sub.ConnID).commandCh <- monitorCommand{
		addSub: &monitorSub{sub: job.sub, sender: job.conn},
	}:
	case <-r.shutdown:
	}
}

// requeueScan puts a yielded scan back at the end of the queue. If the
// queue is momentarily full the hand-off moves to a goroutine rather
// than deadlocking the worker.
func (r *Relay) requeueScan(job *scanJob) {
	select {
	case r.scanCh <- job:
	default:
		go func() {
			select {
			case r.scanCh <- job:
			case <-r.shutdown:
			}
		}()
	}
}
