package api

import (
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"docpipe/internal/jobs"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 30 * time.Second
)

type streamMessage struct {
	Type string        `json:"type"`
	Jobs []jobResponse `json:"jobs"`
}

// StreamJobs upgrades to a WebSocket and pushes a snapshot of every job on
// each change. Slow clients skip intermediate snapshots.
func (a *API) StreamJobs(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, unsubscribe := a.store.Subscribe()
	defer unsubscribe()
	log.Debug().Str("client_ip", c.ClientIP()).Msg("stream client connected")

	// the client never sends anything useful; reading detects disconnects
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	msgType := "initial_jobs"
	for {
		select {
		case snap := <-updates:
			if err := writeSnapshot(conn, msgType, snap); err != nil {
				log.Debug().Err(err).Msg("stream write failed")
				return
			}
			msgType = "jobs_update"
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			log.Debug().Str("client_ip", c.ClientIP()).Msg("stream client disconnected")
			return
		case <-a.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteTimeout))
			return
		}
	}
}

// CloseStreams tells every connected stream client to go away. Hijacked
// connections are not closed by http.Server.Shutdown.
func (a *API) CloseStreams() {
	a.closeOnce.Do(func() { close(a.closing) })
}

func writeSnapshot(conn *websocket.Conn, msgType string, snap map[string]jobs.Job) error {
	msg := streamMessage{Type: msgType, Jobs: make([]jobResponse, 0, len(snap))}
	for _, job := range snap {
		msg.Jobs = append(msg.Jobs, toJobResponse(job))
	}
	sort.Slice(msg.Jobs, func(i, j int) bool { return msg.Jobs[i].ID < msg.Jobs[j].ID })

	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
