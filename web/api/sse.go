package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/broadcast"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

// stream replays the job's persisted events after afterSeq and then
// forwards live ones to emit. It returns once the terminal job_status
// event has been emitted, ctx ends, or emit fails. The subscription is
// always released exactly once.
func (s *Server) stream(ctx context.Context, jobID string, afterSeq int64, emit func(domain.ExecutionEvent) error, heartbeat func() error) error {
	box := broadcast.NewMailbox()
	defer box.Close()

	history, unsubscribe, err := s.feed.SubscribeWithReplay(ctx, jobID, uuid.NewString(), box.Push)
	if err != nil {
		return err
	}
	defer unsubscribe()

	send := func(events []domain.ExecutionEvent) (bool, error) {
		for _, ev := range events {
			if afterSeq > 0 && ev.Seq > 0 && ev.Seq <= afterSeq {
				continue
			}
			if err := emit(ev); err != nil {
				return false, err
			}
			if ev.EndsJob() {
				return true, nil
			}
		}
		return false, nil
	}

	if done, err := send(history); done || err != nil {
		return err
	}

	// A finished job whose terminal event is not in the log, e.g. after
	// pruning, still gets a closing event.
	if job, err := s.jobs.Get(jobID); err == nil && job.Status.IsTerminal() {
		s.feed.MarkTerminal(jobID)
		if done, err := send(box.Drain()); done || err != nil {
			return err
		}
		ev := domain.NewEvent(domain.EventJobStatus, domain.SourceLifecycle, job.UpdatedAt)
		ev.JobID = job.ID
		ev.Status = string(job.Status)
		ev.Error = job.LastError
		return emit(ev)
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := heartbeat(); err != nil {
				return err
			}
		case <-box.Ready():
			if done, err := send(box.Drain()); done || err != nil {
				return err
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev domain.ExecutionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.ownedJob(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		var afterSeq int64
		if last := r.Header.Get("Last-Event-ID"); last != "" {
			afterSeq, _ = strconv.ParseInt(last, 10, 64)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": stream open\n\n")
		flusher.Flush()

		emit := func(ev domain.ExecutionEvent) error {
			if err := writeSSE(w, ev); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}
		heartbeat := func() error {
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}

		if err := s.stream(r.Context(), job.ID, afterSeq, emit, heartbeat); err != nil {
			s.logger.Debug("event stream ended", "job_id", job.ID, "error", err)
		}
	}
}
