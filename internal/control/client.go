// Package control maintains the persistent WebSocket control channel to the
// relay server. It authenticates with the console PIN, turns inbound traffic
// into coordinator events and implements the outbound signaling commands.
package control

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"lancam/internal/domain"
)

// clientType identifies the console to the relay server. Targeted messages
// addressed to "operator" resolve to this identity.
const clientType = "window:main"

const (
	pingInterval = 30 * time.Second
	writeWait    = 5 * time.Second
)

const (
	cmdAuth              = "auth"
	cmdCameraOffer       = "camera_offer"
	cmdCameraAnswer      = "camera_answer"
	cmdCameraICE         = "camera_ice"
	cmdConnectProgram    = "camera_connect_program"
	cmdDisconnectProgram = "camera_disconnect_program"
)

// envelope is the flat JSON message exchanged over the control channel.
// Commands carry "cmd", server notifications carry "type"; the server relays
// targeted commands verbatim after stamping the sender into "_from".
type envelope struct {
	Cmd        string                   `json:"cmd,omitempty"`
	Type       string                   `json:"type,omitempty"`
	PIN        string                   `json:"pin,omitempty"`
	ClientType string                   `json:"client_type,omitempty"`
	DeviceID   string                   `json:"device_id,omitempty"`
	DeviceName string                   `json:"device_name,omitempty"`
	Target     string                   `json:"target,omitempty"`
	SDP        string                   `json:"sdp,omitempty"`
	Candidate  *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Battery    float64                  `json:"battery,omitempty"`
	From       string                   `json:"_from,omitempty"`
}

// kind returns the message discriminator for dispatch and logging.
func (m envelope) kind() string {
	if m.Cmd != "" {
		return m.Cmd
	}
	return m.Type
}

// Client manages the control channel connection. It dials once on Connect and
// keeps redialing with a fixed delay after every loss until Close; each fresh
// connection re-authenticates before any other traffic is sent.
type Client struct {
	url    string
	pin    string
	delay  time.Duration
	events chan<- domain.Event

	mu     sync.Mutex
	conn   *websocket.Conn
	gen    uint64
	authed bool

	closed    chan struct{}
	closeOnce sync.Once

	log      zerolog.Logger
	received metric.Int64Counter
	sent     metric.Int64Counter
	redials  metric.Int64Counter
}

// New creates a control client posting inbound traffic to events. The channel
// is drained by the coordinator loop, so sends block instead of dropping.
func New(url, pin string, reconnectDelay time.Duration, events chan<- domain.Event) *Client {
	meter := otel.Meter("lancam/control")
	received, _ := meter.Int64Counter("control.messages_received",
		metric.WithDescription("Messages received over the control channel"))
	sent, _ := meter.Int64Counter("control.messages_sent",
		metric.WithDescription("Messages sent over the control channel"))
	redials, _ := meter.Int64Counter("control.redials",
		metric.WithDescription("Reconnection attempts after channel loss"))

	return &Client{
		url:      url,
		pin:      pin,
		delay:    reconnectDelay,
		events:   events,
		closed:   make(chan struct{}),
		log:      log.With().Str("component", "control").Logger(),
		received: received,
		sent:     sent,
		redials:  redials,
	}
}

// Connect starts the dial/redial cycle. It returns immediately; channel state
// is reported through ChannelUp and ChannelDown events.
func (c *Client) Connect(ctx context.Context) {
	go c.connect(ctx, 0)
}

// connect dials the next connection generation after prev. A retry scheduled
// by a connection that a newer one has since superseded is a no-op, so at
// most one dial cycle is in flight at a time.
func (c *Client) connect(ctx context.Context, prev uint64) {
	if ctx.Err() != nil || c.isClosed() {
		return
	}

	c.mu.Lock()
	if c.gen != prev {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.log.Debug().Str("url", c.url).Msg("dialing control channel")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.redials.Add(ctx, 1)
		c.log.Warn().Err(err).Dur("retry_in", c.delay).Msg("control dial failed")
		time.AfterFunc(c.delay, func() { c.connect(ctx, prev) })
		return
	}

	c.mu.Lock()
	if c.isClosed() || c.gen != prev {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.authed = false
	c.mu.Unlock()

	c.log.Info().Msg("control channel connected")
	c.emit(domain.ChannelUp{})
	c.sendAuth()

	go c.readLoop(ctx, conn, gen)
	go c.pingLoop(conn)
}

// Close tears the channel down for good. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.authed = false
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Connected reports whether the channel is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Authenticated reports whether the server accepted the PIN on the current
// connection.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.authed
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// emit posts an event for the coordinator, giving up once the client closes
// so a late read loop can never wedge on a stopped consumer.
func (c *Client) emit(ev domain.Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// A read error ends the connection. Close the socket here; the
			// ping loop would only notice at its next tick.
			conn.Close()
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			c.mu.Lock()
			stale := c.gen != gen
			if !stale {
				c.conn = nil
				c.authed = false
			}
			c.mu.Unlock()
			if stale {
				return
			}
			c.log.Warn().Err(err).Dur("retry_in", c.delay).Msg("control channel lost")
			c.emit(domain.ChannelDown{Err: err})
			time.AfterFunc(c.delay, func() { c.connect(ctx, gen) })
			return
		}
		c.received.Add(ctx, 1)
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn().Err(err).Msg("malformed control message")
		return
	}

	switch msg.kind() {
	case "auth_ok":
		c.setAuthed(true)
		c.log.Info().Msg("control channel authenticated")
		c.emit(domain.AuthAccepted{})

	case "auth_fail":
		c.setAuthed(false)
		c.log.Error().Msg("control authentication rejected")
		c.emit(domain.AuthRejected{})

	case "camera_source_connected":
		c.emit(domain.SourceConnected{DeviceID: msg.DeviceID, DeviceName: msg.DeviceName})

	case "camera_source_disconnected":
		c.emit(domain.SourceDisconnected{DeviceID: msg.DeviceID})

	case cmdCameraOffer:
		c.emit(domain.OfferReceived{
			DeviceID:   msg.DeviceID,
			DeviceName: msg.DeviceName,
			SDP:        msg.SDP,
			From:       msg.From,
		})

	case cmdCameraAnswer:
		c.emit(domain.AnswerReceived{DeviceID: msg.DeviceID, SDP: msg.SDP})

	case cmdCameraICE:
		if msg.Candidate == nil {
			c.log.Warn().Str("device", msg.DeviceID).Msg("ice message without candidate")
			return
		}
		c.emit(domain.CandidateReceived{DeviceID: msg.DeviceID, Candidate: *msg.Candidate})

	case "camera_telemetry":
		c.emit(domain.TelemetryReceived{DeviceID: msg.DeviceID, Battery: msg.Battery})

	case "output_ready":
		c.emit(domain.OutputReady{Target: msg.From})

	default:
		c.log.Debug().Str("kind", msg.kind()).Msg("unhandled control message")
	}
}

func (c *Client) setAuthed(ok bool) {
	c.mu.Lock()
	c.authed = ok
	c.mu.Unlock()
}

// send writes one message on the current connection. Protocol traffic is
// dropped until the server accepts the PIN; only the auth command itself may
// pass before that.
func (c *Client) send(msg envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		c.log.Warn().Str("kind", msg.kind()).Msg("send dropped, channel down")
		return
	}
	if !c.authed && msg.Cmd != cmdAuth {
		c.log.Warn().Str("kind", msg.kind()).Msg("send dropped, not authenticated")
		return
	}

	if err := c.conn.WriteJSON(msg); err != nil {
		c.log.Warn().Err(err).Str("kind", msg.kind()).Msg("control write failed")
		return
	}
	c.sent.Add(context.Background(), 1)
}

func (c *Client) sendAuth() {
	c.send(envelope{Cmd: cmdAuth, PIN: c.pin, ClientType: clientType})
}

// SendCameraAnswer delivers a local SDP answer to the camera that offered.
func (c *Client) SendCameraAnswer(deviceID, target, sdp string) {
	c.send(envelope{Cmd: cmdCameraAnswer, DeviceID: deviceID, Target: target, SDP: sdp})
}

// SendCameraOffer delivers a local SDP offer for deviceID to target. Program
// slots use this to offer toward the output renderer.
func (c *Client) SendCameraOffer(deviceID, target, sdp string) {
	c.send(envelope{Cmd: cmdCameraOffer, DeviceID: deviceID, Target: target, SDP: sdp})
}

// SendCameraICE delivers a local ICE candidate for deviceID to target.
func (c *Client) SendCameraICE(deviceID, target string, candidate webrtc.ICECandidateInit) {
	c.send(envelope{Cmd: cmdCameraICE, DeviceID: deviceID, Target: target, Candidate: &candidate})
}

// SendConnectProgram tells a camera it is now on the program feed.
func (c *Client) SendConnectProgram(deviceID string) {
	c.send(envelope{Cmd: cmdConnectProgram, DeviceID: deviceID})
}

// SendDisconnectProgram tells a camera it left the program feed.
func (c *Client) SendDisconnectProgram(deviceID string) {
	c.send(envelope{Cmd: cmdDisconnectProgram, DeviceID: deviceID})
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				// The read loop sees the same failure and handles the redial.
				return
			}
		}
	}
}
