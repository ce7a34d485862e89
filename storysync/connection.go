package storysync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

const SendBufferSize = 32

type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
)

// inbound/outbound frame. Unknown types and malformed payloads are dropped
// without raising an error.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type MessageFunction func(payload json.RawMessage)
type StatusFunction func(status ConnectionStatus)

type ConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	HeartbeatTimeout   time.Duration
	// backoff is min(ReconnectBase * 2^k, ReconnectCap) per consecutive failure
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectFailures int
	LongRetryTimeout     time.Duration
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		WsHandshakeTimeout:   5 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          90 * time.Second,
		HeartbeatTimeout:     30 * time.Second,
		ReconnectBase:        1 * time.Second,
		ReconnectCap:         30 * time.Second,
		MaxReconnectFailures: 5,
		LongRetryTimeout:     60 * time.Second,
	}
}

// NextReconnectDelay returns the delay before the next connect attempt and
// the updated consecutive-failure count. Delays follow
// min(ReconnectBase * 2^k, ReconnectCap) for k = 0, 1, 2, ... until
// MaxReconnectFailures consecutive failures, then one long fixed period with
// the count reset so the cycle starts over.
func (self *ConnectionSettings) NextReconnectDelay(failures int) (time.Duration, int) {
	failures += 1
	if self.MaxReconnectFailures <= failures {
		return self.LongRetryTimeout, 0
	}
	delay := self.ReconnectBase
	for k := 1; k < failures; k += 1 {
		delay *= 2
		if self.ReconnectCap <= delay {
			return self.ReconnectCap, failures
		}
	}
	if self.ReconnectCap < delay {
		delay = self.ReconnectCap
	}
	return delay, failures
}

// WsUrl converts an api url like https://host/api to the live connection
// base wss://host/ws
func WsUrl(apiUrl string) string {
	wsUrl := apiUrl
	if after, ok := strings.CutPrefix(wsUrl, "https://"); ok {
		wsUrl = "wss://" + after
	} else if after, ok := strings.CutPrefix(wsUrl, "http://"); ok {
		wsUrl = "ws://" + after
	}
	wsUrl = strings.TrimSuffix(wsUrl, "/api")
	return wsUrl + "/ws"
}

type connectionSession struct {
	ctx       context.Context
	cancel    context.CancelFunc
	projectId string

	sendLock sync.Mutex
	send     chan *Envelope
}

func (self *connectionSession) setSend(send chan *Envelope) {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()
	self.send = send
}

func (self *connectionSession) getSend() chan *Envelope {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()
	return self.send
}

// ConnectionManager owns one live connection per open document. It heartbeats
// while connected, reconnects with backoff, dispatches typed inbound
// envelopes to subscribers, and broadcasts connection status.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl    string
	settings *ConnectionSettings

	mutex   sync.Mutex
	session *connectionSession
	status  ConnectionStatus
	closed  bool

	messageCallbacks map[string]*CallbackList[MessageFunction]
	statusCallbacks  *CallbackList[StatusFunction]
}

func NewConnectionManagerWithDefaults(ctx context.Context, wsUrl string) *ConnectionManager {
	return NewConnectionManager(ctx, wsUrl, DefaultConnectionSettings())
}

func NewConnectionManager(ctx context.Context, wsUrl string, settings *ConnectionSettings) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionManager{
		ctx:              cancelCtx,
		cancel:           cancel,
		wsUrl:            wsUrl,
		settings:         settings,
		status:           ConnectionStatusDisconnected,
		messageCallbacks: map[string]*CallbackList[MessageFunction]{},
		statusCallbacks:  NewCallbackList[StatusFunction](),
	}
}

// Connect replaces any existing connection. Connecting twice is safe.
func (self *ConnectionManager) Connect(projectId string) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	if self.session != nil {
		self.session.cancel()
	}
	sessionCtx, sessionCancel := context.WithCancel(self.ctx)
	session := &connectionSession{
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		projectId: projectId,
	}
	self.session = session
	self.mutex.Unlock()

	go self.run(session)
}

// Disconnect suppresses future reconnects and forces disconnected terminally.
// No message handler is invoked after this returns.
func (self *ConnectionManager) Disconnect() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	session := self.session
	self.session = nil
	statusChanged := self.status != ConnectionStatusDisconnected
	self.status = ConnectionStatusDisconnected
	callbacks := self.statusCallbacks.Get()
	self.mutex.Unlock()

	if session != nil {
		session.cancel()
	}
	self.cancel()
	if statusChanged {
		for _, callback := range callbacks {
			func() {
				defer func() {
					recover()
				}()
				callback(ConnectionStatusDisconnected)
			}()
		}
	}
}

func (self *ConnectionManager) Status() ConnectionStatus {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.status
}

// Subscribe registers a handler for one envelope type. The returned
// unsubscribe is safe to call multiple times. Handler order is not defined.
func (self *ConnectionManager) Subscribe(messageType string, callback MessageFunction) func() {
	self.mutex.Lock()
	callbackList, ok := self.messageCallbacks[messageType]
	if !ok {
		callbackList = NewCallbackList[MessageFunction]()
		self.messageCallbacks[messageType] = callbackList
	}
	self.mutex.Unlock()

	callbackId := callbackList.Add(callback)
	return func() {
		callbackList.Remove(callbackId)
	}
}

// SubscribeStatus broadcasts connected/disconnected/reconnecting transitions
// to any listener, independent of message type.
func (self *ConnectionManager) SubscribeStatus(callback StatusFunction) func() {
	callbackId := self.statusCallbacks.Add(callback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

// Send queues an outbound envelope on the live connection.
// Returns false if there is no live connection or the buffer is full.
func (self *ConnectionManager) Send(messageType string, payload any) bool {
	var payloadJson json.RawMessage
	if payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		payloadJson = payloadBytes
	}

	self.mutex.Lock()
	session := self.session
	closed := self.closed
	self.mutex.Unlock()
	if closed || session == nil {
		return false
	}
	send := session.getSend()
	if send == nil {
		return false
	}

	select {
	case send <- &Envelope{Type: messageType, Payload: payloadJson}:
		return true
	default:
		// full
		return false
	}
}

func (self *ConnectionManager) setStatus(session *connectionSession, status ConnectionStatus) {
	self.mutex.Lock()
	if self.session != session || self.status == status {
		self.mutex.Unlock()
		return
	}
	self.status = status
	callbacks := self.statusCallbacks.Get()
	self.mutex.Unlock()

	for _, callback := range callbacks {
		func() {
			defer func() {
				recover()
			}()
			callback(status)
		}()
	}
}

func (self *ConnectionManager) run(session *connectionSession) {
	defer self.setStatus(session, ConnectionStatusDisconnected)

	failures := 0
	for {
		select {
		case <-session.ctx.Done():
			return
		default:
		}

		self.setStatus(session, ConnectionStatusConnecting)
		ws, err := self.dial(session)
		if err == nil {
			failures = 0
			self.setStatus(session, ConnectionStatusConnected)
			self.serve(session, ws)
			self.setStatus(session, ConnectionStatusDisconnected)
		} else {
			glog.Infof("[c]connect %s error = %s\n", session.projectId, err)
		}

		select {
		case <-session.ctx.Done():
			return
		default:
		}

		var delay time.Duration
		delay, failures = self.settings.NextReconnectDelay(failures)
		self.setStatus(session, ConnectionStatusReconnecting)
		select {
		case <-session.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (self *ConnectionManager) dial(session *connectionSession) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	wsUrl := fmt.Sprintf("%s/%s", self.wsUrl, session.projectId)
	ws, _, err := dialer.DialContext(session.ctx, wsUrl, nil)
	return ws, err
}

func (self *ConnectionManager) serve(session *connectionSession, ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(session.ctx)
	defer handleCancel()

	send := make(chan *Envelope, SendBufferSize)
	session.setSend(send)
	defer session.setSend(nil)

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case envelope, ok := <-send:
				if !ok {
					return
				}

				message, err := json.Marshal(envelope)
				if err != nil {
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[cs]%s-> error = %s\n", session.projectId, err)
					return
				}
				glog.V(2).Infof("[cs]%s-> %s\n", session.projectId, envelope.Type)
			case <-time.After(self.settings.HeartbeatTimeout):
				// keep alive
				message, _ := json.Marshal(&Envelope{Type: MessageTypePing})
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
				glog.V(2).Infof("[cs]ping %s->\n", session.projectId)
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[cr]%s<- error = %s\n", session.projectId, err)
				return
			}

			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				envelope := &Envelope{}
				if err := json.Unmarshal(message, envelope); err != nil {
					// malformed frames are non-fatal
					glog.V(2).Infof("[cr]drop malformed %s<-\n", session.projectId)
					continue
				}
				self.handleEnvelope(session, envelope, send)
			default:
				glog.V(2).Infof("[cr]other=%d %s<-\n", messageType, session.projectId)
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

func (self *ConnectionManager) handleEnvelope(session *connectionSession, envelope *Envelope, send chan *Envelope) {
	switch envelope.Type {
	case MessageTypePing:
		// answered immediately, independent of the heartbeat timer
		select {
		case send <- &Envelope{Type: MessageTypePong}:
		default:
			glog.Infof("[cr]drop pong %s->\n", session.projectId)
		}
		return
	case MessageTypePong:
		glog.V(2).Infof("[cr]pong %s<-\n", session.projectId)
		return
	}

	self.mutex.Lock()
	callbackList, ok := self.messageCallbacks[envelope.Type]
	self.mutex.Unlock()
	if !ok {
		// unknown types are non-fatal
		glog.V(2).Infof("[cr]drop type=%s %s<-\n", envelope.Type, session.projectId)
		return
	}

	for _, callback := range callbackList.Get() {
		self.mutex.Lock()
		closed := self.closed
		self.mutex.Unlock()
		if closed {
			return
		}
		func() {
			defer func() {
				recover()
			}()
			callback(envelope.Payload)
		}()
	}
}
