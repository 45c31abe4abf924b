package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/snarg/speechrun/internal/results"
)

// WSTransport speaks the streaming protocol over a websocket: the config
// as a JSON text message, audio as binary messages, end of audio as an
// endOfAudio text message, results as JSON text messages. A close frame
// from the server ends the result stream.
type WSTransport struct {
	conn  *websocket.Conn
	cid   string
	token string

	wmu       sync.Mutex
	closeOnce sync.Once
}

// DialWS connects to url. The auth token goes in both the handshake
// header and the config message.
func DialWS(ctx context.Context, url, cid, token string) (*WSTransport, error) {
	h := http.Header{}
	h.Set("X-Auth-Token", token)
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, url, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &WSTransport{conn: conn, cid: cid, token: token}, nil
}

type configMessage struct {
	CID       string `json:"cid"`
	AuthToken string `json:"authToken"`
	Config    Config `json:"config"`
}

type endOfAudioMessage struct {
	EndOfAudio bool `json:"endOfAudio"`
}

type serverError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (t *WSTransport) Send(ctx context.Context, f Frame) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(dl)
	} else {
		t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if f.Config != nil {
		return t.conn.WriteJSON(configMessage{CID: t.cid, AuthToken: t.token, Config: *f.Config})
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, f.Audio)
}

func (t *WSTransport) Recv() (results.Segment, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrCloseSent) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return results.Segment{}, io.EOF
			}
			return results.Segment{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		var se serverError
		if json.Unmarshal(data, &se) == nil && se.Error != "" {
			return results.Segment{}, fmt.Errorf("server: %s %s", se.Error, se.Message)
		}
		seg, err := results.DecodeSegment(data)
		if err != nil {
			return results.Segment{}, err
		}
		if seg.ID == "" {
			seg.ID = uuid.NewString()
		}
		return seg, nil
	}
}

// CloseSend tells the server no more audio follows. The connection stays
// open so results keep arriving until the server sends its close frame.
func (t *WSTransport) CloseSend() error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := t.conn.WriteJSON(endOfAudioMessage{EndOfAudio: true})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}
