package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"phimarket/internal/exchange"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// phx is not a browser; the bearer token is the only credential.
	CheckOrigin: func(*http.Request) bool { return true },
}

// visible hides other accounts' private changes. Trades, characters,
// settings and votes are public market activity.
func visible(ch exchange.Change, accountID string) bool {
	switch ch.Kind {
	case exchange.ChangeAccount, exchange.ChangeHolding:
		return ch.AccountID == accountID
	default:
		return true
	}
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a sequence number")
			return
		}
	}
	all, latest := s.svc.Changes().Since(since)
	out := make([]exchange.Change, 0, len(all))
	for _, ch := range all {
		if visible(ch, acct.ID) {
			out = append(out, ch)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": out, "latest": latest})
}

type streamHello struct {
	Type   string `json:"type"`
	Latest uint64 `json:"latest"`
}

type streamChange struct {
	Type string `json:"type"`
	exchange.Change
}

// handleStream pushes change notifications over a websocket until the client
// goes away. Slow clients miss events and are expected to re-read state.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	acct, err := accountFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("stream upgrade failed", "account_id", acct.ID, "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	changes := s.svc.Changes().Subscribe(ctx, 256)
	_, latest := s.svc.Changes().Since(^uint64(0))

	// Reader: only control frames are expected; any error ends the stream.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(v)
	}
	if err := write(streamHello{Type: "hello", Latest: latest}); err != nil {
		return
	}

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(streamWriteWait))
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if !visible(ch, acct.ID) {
				continue
			}
			if err := write(streamChange{Type: "change", Change: ch}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
