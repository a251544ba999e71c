package mock

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"clinical-scribe-service/internal/service/stt"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler serves the streaming protocol over websocket, backed by scripted
// channels from d. The token comes from the "token" query parameter and a
// rejected token fails the handshake with 403.
func (d *Dialer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := d.Dial(r.Context(), r.URL.Query().Get("token"))
		if err != nil {
			if stt.IsAuthFailure(err) {
				http.Error(w, "invalid token", http.StatusForbidden)
				return
			}
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			_ = ch.Close()
			log.Warn().Err(err).Msg("Mock backend upgrade failed")
			return
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			writeEvents(conn, ch)
		}()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			if err := ch.Send(r.Context(), data); err != nil {
				break
			}
		}
		_ = ch.Close()
		wg.Wait()
	})
}

// writeEvents relays channel events as JSON text frames, then closes the
// connection with the channel's close code. Abnormal closures drop the
// connection without a close frame.
func writeEvents(conn *websocket.Conn, ch stt.Channel) {
	defer conn.Close()
	for ev := range ch.Events() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	code, reason := websocket.CloseNormalClosure, ""
	var ce *stt.CloseError
	if errors.As(ch.Err(), &ce) {
		if ce.Code == stt.CloseAbnormal {
			return
		}
		code, reason = ce.Code, ce.Reason
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
