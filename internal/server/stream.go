package server

import (
	"log"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"threatline/internal/engine"
)

const (
	streamInterval   = time.Second
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type streamFrame struct {
	ServerTime    string          `json:"server_time"`
	Active        bool            `json:"active"`
	Threat        *ThreatResponse `json:"threat,omitempty"`
	CooldownUntil *string         `json:"cooldown_until,omitempty"`
}

// registerStream serves a websocket that pushes the decorated world view
// once per tick interval. Clients get a frame immediately on connect.
func registerStream(r chi.Router, basePath string, world *engine.World) {
	r.Get(path.Join(basePath, "threats", "stream"), func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		go streamLoop(conn, world)
	})
}

func streamLoop(conn *websocket.Conn, world *engine.World) {
	defer conn.Close()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	// Drain client frames so control messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()
	pinger := time.NewTicker(streamPingPeriod)
	defer pinger.Stop()

	if err := writeFrame(conn, world); err != nil {
		return
	}
	for {
		select {
		case <-ticker.C:
			if err := writeFrame(conn, world); err != nil {
				return
			}
		case <-pinger.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, world *engine.World) error {
	frame := streamFrame{ServerTime: rfc3339(world.Now())}
	if view := world.DecorateActive(); view != nil {
		frame.Active = true
		frame.Threat = threatResponse(view)
	} else {
		until := rfc3339(world.CooldownUntil())
		frame.CooldownUntil = &until
	}
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(frame); err != nil {
		log.Printf("stream: write failed: %v", err)
		return err
	}
	return nil
}
