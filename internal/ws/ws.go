// Package ws holds the websocket handshake handlers: the mod ingest
// socket, the spectator socket, and the training socket.
//
// Handlers own the read half of each connection; all writes go through a
// hub session so slow readers never stall the race room.
package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liverace/liverace/server/internal/protocol"
)

// upgrader is shared by every handler. Origin checks are delegated to the
// deployment's reverse proxy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// rejectWait bounds the direct write of a handshake rejection.
const rejectWait = 5 * time.Second

// reject writes an auth_error straight to a connection that never earned a
// session, then closes it.
func reject(conn *websocket.Conn, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(rejectWait))
	_ = conn.WriteJSON(protocol.NewAuthError(reason))
	_ = conn.Close()
}
