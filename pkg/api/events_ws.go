package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/pkg/events"
	"github.com/wardenhq/warden/pkg/log"
)

const wsWriteTimeout = 5 * time.Second

// The frontend only serves loopback clients, so cross-origin upgrades
// are accepted.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsFrame is the JSON frame pushed for every bus event
type wsFrame struct {
	Channel string `json:"channel"`
	Event   any    `json:"event"`
}

// handleEvents upgrades the connection and streams bus events until the
// client goes away. A client that cannot keep up is dropped rather than
// allowed to stall the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("api")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	var writeMu sync.Mutex
	var closeOnce sync.Once
	closed := make(chan struct{})

	send := func(frame wsFrame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		select {
		case <-closed:
			return
		default:
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			closeOnce.Do(func() { close(closed) })
		}
	}

	unsubServer := s.bus.SubscribeServer(func(ev events.ServerEvent) {
		send(wsFrame{Channel: "server", Event: ev})
	})
	unsubApp := s.bus.SubscribeApp(func(ev events.AppEvent) {
		send(wsFrame{Channel: "app", Event: ev})
	})

	// Drain client frames so pings and close handshakes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeOnce.Do(func() { close(closed) })
				return
			}
		}
	}()

	<-closed
	unsubServer()
	unsubApp()
	_ = conn.Close()
	logger.Debug().Msg("event stream client disconnected")
}
