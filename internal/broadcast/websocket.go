package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	DefaultReadLimit = 1 << 20
	defaultBaseDelay = 100 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
)

// RoomURL is the hub endpoint for boundary. base is the hub's http(s) or
// ws(s) root.
func RoomURL(base, boundary string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("hub url must be http, https, ws or wss")
	}
	parsed.Path = parsed.Path + "/v1/boundaries/" + url.PathEscape(boundary) + "/ws"
	return parsed.String(), nil
}

type WebSocketOptions struct {
	URL       string
	Token     string
	BaseDelay time.Duration
	MaxDelay  time.Duration
	ReadLimit int64
	Logger    zerolog.Logger
}

// WebSocketTransport keeps one connection to a hub room open, redialing with
// capped exponential backoff whenever it drops. Frames sent while
// disconnected fail with ErrNotConnected.
type WebSocketTransport struct {
	url       string
	header    http.Header
	baseDelay time.Duration
	maxDelay  time.Duration
	readLimit int64
	logger    zerolog.Logger

	frames chan Frame
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

func DialWebSocket(ctx context.Context, opts WebSocketOptions) (*WebSocketTransport, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("websocket url is required")
	}
	header := http.Header{}
	if token := strings.TrimSpace(opts.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	runCtx, cancel := context.WithCancel(ctx)
	t := &WebSocketTransport{
		url:       opts.URL,
		header:    header,
		baseDelay: opts.BaseDelay,
		maxDelay:  opts.MaxDelay,
		readLimit: readLimit,
		logger:    opts.Logger.With().Str("component", "broadcast_ws").Logger(),
		frames:    make(chan Frame, portBuffer),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go t.run(runCtx)
	return t, nil
}

func (t *WebSocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *WebSocketTransport) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *WebSocketTransport) Frames() <-chan Frame {
	return t.frames
}

func (t *WebSocketTransport) Close() error {
	t.cancel()
	<-t.done
	return nil
}

func (t *WebSocketTransport) run(ctx context.Context) {
	defer close(t.done)
	defer close(t.frames)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{HTTPHeader: t.header})
		if err != nil {
			attempt++
			t.logger.Debug().Err(err).Int("attempt", attempt).Msg("hub dial failed")
			if waitWithContext(ctx, t.retryDelay(attempt)) != nil {
				return
			}
			continue
		}
		attempt = 0
		conn.SetReadLimit(t.readLimit)
		t.setConn(conn)
		t.logger.Info().Str("url", t.url).Msg("joined hub room")

		err = t.readLoop(ctx, conn)
		t.setConn(nil)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		attempt++
		t.logger.Warn().Err(err).Msg("hub connection lost; reconnecting")
		if waitWithContext(ctx, t.retryDelay(attempt)) != nil {
			return
		}
	}
}

func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.logger.Warn().Err(err).Msg("discarding undecodable frame")
			continue
		}
		select {
		case t.frames <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *WebSocketTransport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
}

func (t *WebSocketTransport) retryDelay(attempt int) time.Duration {
	maxDelay := t.maxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	delay := t.baseDelay
	if delay <= 0 {
		delay = defaultBaseDelay
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
