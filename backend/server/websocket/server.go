package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dmtable/relay/backend/model"
	"github.com/dmtable/relay/backend/registry"
	"github.com/dmtable/relay/backend/router"
	"github.com/dmtable/relay/backend/sessions"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	defaultSendQueueSize = 32
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	Config struct {
		Logger     *zerolog.Logger
		Router     *router.Router
		Sessions   *sessions.Table
		Registry   *registry.Registry
		ListenAddr string
		Path       string
	}

	Server struct {
		router *router.Router
		table  *sessions.Table
		reg    *registry.Registry
		ws     *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		router: cfg.Router,
		table:  cfg.Sessions,
		reg:    cfg.Registry,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, srv.session)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) session(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	logger := srv.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	p := newPeer(conn, &logger)
	srv.reg.Add(p)
	logger.Debug().Msg("connection opened")

	go srv.handleWSConn(p)
}

func (srv *Server) handleWSConn(p *peer) {
	ctx, cancel := context.WithCancel(context.TODO()) // long-living connection context
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		p.sendLoop(ctx, wg)
		cancel()
	}()
	go func() {
		srv.recvLoop(ctx, wg, p)
		cancel()
	}()

	wg.Wait()
	p.closeWebSocket()
	srv.table.Detach(p)
	p.logger.Debug().Msg("connection closed")
}

func (srv *Server) recvLoop(ctx context.Context, wg *sync.WaitGroup, p *peer) {
	defer wg.Done()

	p.conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	p.conn.SetPongHandler(func(string) error {
		p.logger.Trace().Msg("got pong")
		srv.reg.MarkAlive(p)
		return nil
	})

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := p.conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					p.logger.Warn().Err(wsErr).Msg("connection closed by peer")
				} else {
					p.logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			srv.router.HandleFrame(p, msg)
		}
	}
}

// peer wraps one websocket connection behind the relay's Peer
// capability. Outbound frames and probes go through buffered
// channels so the core never blocks on a slow client.
type peer struct {
	logger zerolog.Logger
	conn   *websocket.Conn
	tx     chan model.Message
	probe  chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newPeer(conn *websocket.Conn, logger *zerolog.Logger) *peer {
	return &peer{
		logger: *logger,
		conn:   conn,
		tx:     make(chan model.Message, defaultSendQueueSize),
		probe:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (p *peer) Send(msg model.Message) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.tx <- msg:
		return true
	default:
		p.logger.Debug().Str("type", msg.Type).Msg("send queue full, frame dropped")
		return false
	}
}

func (p *peer) Probe() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.probe <- struct{}{}:
		return true
	default:
		return true // a probe is already queued
	}
}

func (p *peer) Terminate() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) sendLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-p.done:
			break SendLoop
		case <-p.probe:
			wsErr := p.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				p.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = p.conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				p.logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			p.logger.Trace().Msg("ping sent")

		case msg := <-p.tx:
			wsErr := p.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				p.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = p.conn.WriteJSON(&msg)
			if wsErr != nil {
				p.logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

func (p *peer) closeWebSocket() {
	wsErr := p.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		p.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			p.logger.Error().Err(wsErr).Msg("failed to write close message")
		}
	}
	p.Terminate()
}
