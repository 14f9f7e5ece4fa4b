package api

import (
	"context"
	"sync"

	"kb-research-agent/internal/domain/model"
	"kb-research-agent/internal/usecase"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub pushes job status snapshots to websocket subscribers, keyed by
// job ID. It implements usecase.JobNotifier: JobUpdated never blocks
// the workflow, a slow client just misses intermediate snapshots.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*wsClient]struct{}
	log  *zerolog.Logger
}

var _ usecase.JobNotifier = (*Hub)(nil)

func NewHub(logger *zerolog.Logger) *Hub {
	lg := logger.With().Str("component", "ws_hub").Logger()
	return &Hub{subs: make(map[string]map[*wsClient]struct{}), log: &lg}
}

type wsClient struct {
	conn *websocket.Conn
	send chan usecase.JobStatusView
	done chan struct{}
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// push queues a snapshot for this client only. Used for the initial
// state right after the subscription.
func (c *wsClient) push(v usecase.JobStatusView) {
	select {
	case c.send <- v:
	default:
	}
}

// JobUpdated fans the snapshot out to everyone watching this job.
func (h *Hub) JobUpdated(ctx context.Context, job *model.ResearchJob) {
	view := usecase.ToJobStatusView(job)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs[job.ID] {
		select {
		case c.send <- view:
		default:
			// Dropping a live snapshot is harmless, but a dropped
			// terminal one would leave the client waiting forever.
			if view.Status.Terminal() {
				go c.close()
			}
		}
	}
}

// Watch registers the connection for updates on jobID and starts its
// pumps. The connection is closed after the terminal snapshot is
// delivered or when the peer goes away.
func (h *Hub) Watch(jobID string, conn *websocket.Conn) *wsClient {
	c := &wsClient{
		conn: conn,
		send: make(chan usecase.JobStatusView, 16),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*wsClient]struct{})
	}
	h.subs[jobID][c] = struct{}{}
	n := len(h.subs[jobID])
	h.mu.Unlock()

	h.log.Debug().Str("job_id", jobID).Int("watchers", n).Msg("websocket client attached")

	go h.writePump(c)
	go h.readPump(jobID, c)
	return c
}

func (h *Hub) writePump(c *wsClient) {
	for {
		select {
		case <-c.done:
			return
		case view := <-c.send:
			if err := c.conn.WriteJSON(view); err != nil {
				c.close()
				return
			}
			if view.Status.Terminal() {
				// Nothing further will ever arrive for this job.
				c.close()
				return
			}
		}
	}
}

// readPump exists to detect the peer closing; inbound payloads are
// ignored.
func (h *Hub) readPump(jobID string, c *wsClient) {
	defer func() {
		h.detach(jobID, c)
		c.close()
		h.log.Debug().Str("job_id", jobID).Msg("websocket client detached")
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) detach(jobID string, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.subs[jobID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, jobID)
		}
	}
}
