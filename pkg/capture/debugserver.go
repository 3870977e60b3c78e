package capture

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/publisher"
	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
)

// DebugServer builds a local HTTP server exposing health, Prometheus
// metrics, and a live-tail websocket feed of published records. It is
// meant for local development dashboards, never for the hub upload path.
func (a *Agent) DebugServer() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/livetail", a.liveTailHandler)
	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// liveTailHandler upgrades to a websocket connection and streams every
// MessagePublished batch as JSON until the client disconnects.
func (a *Agent) liveTailHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.WithError(err).Warn("livetail: websocket upgrade failed")
		return
	}
	defer conn.Close()

	type tailRecord struct {
		Sequence  uint64    `json:"sequence"`
		Severity  string    `json:"severity"`
		Category  string    `json:"category"`
		Caption   string    `json:"caption"`
		Timestamp time.Time `json:"timestamp"`
	}

	unsubscribe := a.pub.Notifier().Subscribe(publisher.SubscriberOptions{
		Stream:       publisher.StreamMessagePublished,
		MinimumDelay: 250 * time.Millisecond,
		Cap:          500,
	}, func(batch publisher.Batch) {
		for _, env := range batch.Records {
			if env.Kind != record.KindLog || env.Log == nil {
				continue
			}
			out := tailRecord{
				Sequence:  env.Log.Sequence,
				Severity:  env.Log.Severity.String(),
				Category:  env.Log.Category,
				Caption:   env.Log.Caption,
				Timestamp: env.Log.Timestamp,
			}
			payload, err := json.Marshal(out)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	})
	defer unsubscribe()

	// Block until the client disconnects; ReadMessage returns an error once
	// the connection closes, which is our cue to unsubscribe and return.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
