// Package wsapi serves the sensor query protocol: JSON request/response
// over a WebSocket at /ws. Only text frames from the AI server are
// answered; everything else is dropped without a reply.
package wsapi

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/MouJieQin/aihome/internal/dht"
	"github.com/MouJieQin/aihome/internal/metrics"
	"github.com/MouJieQin/aihome/internal/timer"
	"github.com/MouJieQin/aihome/internal/ze08"
)

const (
	// maxRequestSize caps accepted request payloads. Larger frames are
	// dropped silently; the connection survives.
	maxRequestSize = 512

	// readLimit bounds what the socket will buffer at all. Past this the
	// connection itself is torn down.
	readLimit = 4096

	nodeName = "esp32_sensors"
	peerName = "AI_server"

	// sweepInterval paces the ping sweep. The scheduler calls
	// CleanupClients every pass; actually pinging that often would flood
	// clients and let stalled peers hold the loop between watchdog pets.
	sweepInterval = 3 * time.Second

	// controlWait bounds one ping write during the sweep.
	controlWait = time.Second
)

// request is an inbound query. The id is kept raw so string and numeric
// ids echo back verbatim.
type request struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	ID   json.RawMessage `json:"id"`
	Type string          `json:"type"`
}

type climateResponse struct {
	From        string          `json:"from"`
	To          string          `json:"to"`
	ID          json.RawMessage `json:"id"`
	Type        string          `json:"type"`
	Temperature *float64        `json:"temperature"`
	Humidity    *float64        `json:"humidity"`
}

type ch2oResponse struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	ID      json.RawMessage `json:"id"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	PPB     uint16          `json:"ppb"`
	MgM3    float64         `json:"mgm3"`
}

// ClimateSource yields temperature/humidity samples (NaN = invalid).
type ClimateSource interface {
	Sample() dht.Reading
}

// CH2OSource yields formaldehyde samples.
type CH2OSource interface {
	Read() (ze08.Reading, bool)
}

// Server owns the WebSocket endpoint and answers sensor queries with
// fresh on-demand samples.
type Server struct {
	addr    string
	hub     *hub
	climate ClimateSource
	ch2o    CH2OSource

	sweepTimer *timer.Interval
	upgrader   websocket.Upgrader
}

func New(addr string, climate ClimateSource, ch2o CH2OSource) *Server {
	return &Server{
		addr:       addr,
		hub:        newHub(),
		climate:    climate,
		ch2o:       ch2o,
		sweepTimer: timer.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The protocol has no browser clients; the message-level
			// "from" check is the only gate, per the wire contract.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler exposes the route table (used directly by tests).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

// Start begins serving in the background. The server lives until
// reboot, so a listener failure is fatal.
func (s *Server) Start() {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler()}
	go func() {
		log.Info().Str("addr", s.addr).Msg("websocket server listening")
		if err := srv.ListenAndServe(); err != nil {
			log.Fatal().Err(err).Msg("websocket server failed")
		}
	}()
}

// CleanupClients runs the ping sweep once per sweepInterval. Driven by
// the scheduler on each pass; passes inside the interval are free.
func (s *Server) CleanupClients() {
	if !s.sweepTimer.Expired(sweepInterval) {
		return
	}
	s.sweep()
}

// sweep pings every client and prunes the ones that no longer accept
// writes.
func (s *Server) sweep() {
	for _, c := range s.hub.snapshot() {
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
			log.Debug().Err(err).Msg("pruning dead websocket client")
			s.hub.remove(c)
			c.close()
		}
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	s.hub.add(c)
	metrics.Gauge("websocket.clients", float64(s.hub.count()))
	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("websocket client connected")

	go c.writePump()
	go s.readPump(c)
}

// readPump consumes frames until the peer goes away. Requests are
// handled synchronously, so replies leave in request order.
func (s *Server) readPump(c *client) {
	defer func() {
		s.hub.remove(c)
		c.close()
		log.Debug().Msg("websocket client disconnected")
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleMessage(c, msgType, data)
	}
}

// handleMessage dispatches one inbound frame. Binary frames, oversize
// payloads, malformed JSON and unknown senders or types are all dropped
// without a reply.
func (s *Server) handleMessage(c *client, msgType int, data []byte) {
	if msgType != websocket.TextMessage || len(data) > maxRequestSize {
		return
	}
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Debug().Err(err).Msg("dropping malformed websocket frame")
		return
	}
	if req.From != peerName {
		return
	}

	switch req.Type {
	case "humidity_temperature":
		reading := s.climate.Sample()
		s.reply(c, climateResponse{
			From:        nodeName,
			To:          peerName,
			ID:          req.ID,
			Type:        req.Type,
			Temperature: validOrNull(reading.Temperature),
			Humidity:    validOrNull(reading.Humidity),
		})
	case "ch2o":
		reading, ok := s.ch2o.Read()
		s.reply(c, ch2oResponse{
			From:    nodeName,
			To:      peerName,
			ID:      req.ID,
			Type:    req.Type,
			Success: ok,
			PPB:     reading.PPB,
			MgM3:    reading.MgM3,
		})
	default:
		// Unrecognized type: no reply.
	}
}

func (s *Server) reply(c *client, resp interface{}) {
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode websocket reply")
		return
	}
	c.trySend(payload)
}

// validOrNull turns a NaN sample into JSON null, which consumers treat
// as "no valid reading".
func validOrNull(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}
