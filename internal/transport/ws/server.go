package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server accepts websocket connections from workers; every text frame is one
// result message. All connections feed the same queue.
type Server struct {
	*queue
	log  *zap.Logger
	opts Options

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(opts Options, logger *zap.Logger) *Server {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		queue: newQueue(opts.Buffer),
		log:   logger,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // workers are not browsers
		},
		conns: map[*websocket.Conn]struct{}{},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		defer s.untrack(conn)
		conn.SetReadLimit(s.opts.MaxMessageBytes)
		s.log.Debug("worker connected", zap.String("remote", r.RemoteAddr))

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				s.log.Debug("worker disconnected", zap.String("remote", r.RemoteAddr), zap.Error(err))
				return
			}
			if !s.push(msg) {
				return
			}
		}
	}
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.dead:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
	s.wg.Done()
}

// Close stops accepting frames and disconnects every worker.
func (s *Server) Close() error {
	s.mu.Lock()
	s.fail(ErrClosed)
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "collector shutting down"),
			time.Now().Add(time.Second))
		_ = c.Close()
	}
	s.wg.Wait()
	return nil
}
