package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// the transport boundary. The core only needs request/response calls,
// fire-and-forget service calls, push subscriptions and connection notifications

type Message = map[string]any

type MessageFunction = func(event json.RawMessage)

type ConnectionEvent int

const (
	ConnectionEventConnected ConnectionEvent = iota
	ConnectionEventReconnected
	ConnectionEventDisconnected
	// terminal. The connection will not reconnect
	ConnectionEventClosed
)

func (self ConnectionEvent) String() string {
	switch self {
	case ConnectionEventConnected:
		return "connected"
	case ConnectionEventReconnected:
		return "reconnected"
	case ConnectionEventDisconnected:
		return "disconnected"
	case ConnectionEventClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type ConnectionEventFunction = func(event ConnectionEvent)

type Connection interface {
	// request/response over the persistent connection
	CallWS(ctx context.Context, message Message) (json.RawMessage, error)
	// returns once the call is queued. The result is not awaited
	CallService(ctx context.Context, domain string, service string, serviceData map[string]any) error
	// rest call, `result` may be nil
	CallApi(ctx context.Context, method string, path string, args any, result any) error
	// the callback is invoked for each pushed message until unsubscribe or disconnect.
	// subscriptions do not survive a reconnect
	SubscribeMessage(ctx context.Context, message Message, callback MessageFunction) (func(), error)
	AddConnectionCallback(callback ConnectionEventFunction) func()
	IsConnected() bool
	Close()
}

// error result from the server
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (self *ResultError) Error() string {
	return fmt.Sprintf("%s: %s", self.Code, self.Message)
}

var ErrAuthInvalid = errors.New("Auth invalid.")

type ClientAuth struct {
	AccessToken string
	AppVersion  string
}

type WsConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultWsConnectionSettings() *WsConnectionSettings {
	return &WsConnectionSettings{
		WsHandshakeTimeout: 5 * time.Second,
		AuthTimeout:        5 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     32,
	}
}

type wsFrame struct {
	Id      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Error   *ResultError    `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

type wsResult struct {
	frame *wsFrame
	err   error
}

// reconnect no sooner than `timeout` after the previous connect started
type Reconnect struct {
	timeout   time.Duration
	startTime time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout:   timeout,
		startTime: time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	timeout := self.timeout - time.Since(self.startTime)
	if timeout <= 0 {
		timeout = 0
	}
	return time.After(timeout)
}

type WsConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl  string
	apiUrl string
	auth   *ClientAuth

	settings   *WsConnectionSettings
	httpClient *http.Client

	stateLock sync.Mutex
	connected bool
	// the send channel and context of the live websocket, nil when disconnected
	send          chan []byte
	handleCtx     context.Context
	nextId        int
	pending       map[int]chan *wsResult
	subscriptions map[int]MessageFunction

	connectionCallbacks *CallbackList[ConnectionEventFunction]
}

func NewWsConnectionWithDefaults(ctx context.Context, wsUrl string, auth *ClientAuth) (*WsConnection, error) {
	return NewWsConnection(ctx, wsUrl, auth, DefaultWsConnectionSettings())
}

// the connection is not started until `Run`,
// so that callers can add connection callbacks first
func NewWsConnection(
	ctx context.Context,
	wsUrl string,
	auth *ClientAuth,
	settings *WsConnectionSettings,
) (*WsConnection, error) {
	apiUrl, err := apiUrlFromWsUrl(wsUrl)
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsConnection{
		ctx:                 cancelCtx,
		cancel:              cancel,
		wsUrl:               wsUrl,
		apiUrl:              apiUrl,
		auth:                auth,
		settings:            settings,
		httpClient:          defaultClient(),
		nextId:              1,
		pending:             map[int]chan *wsResult{},
		subscriptions:       map[int]MessageFunction{},
		connectionCallbacks: NewCallbackList[ConnectionEventFunction](),
	}, nil
}

func (self *WsConnection) Run() {
	go self.run()
}

func (self *WsConnection) run() {
	defer func() {
		self.cancel()
		self.fire(ConnectionEventClosed)
	}()

	connectedOnce := false

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[c]connect %s", self.wsUrl), self.connect)
		} else {
			ws, err = self.connect()
		}
		if err != nil {
			if errors.Is(err, ErrAuthInvalid) {
				glog.Infof("[c]%s\n", err)
				return
			}
			glog.Infof("[c]connect error %s = %s\n", self.wsUrl, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			send := make(chan []byte, self.settings.SendBufferSize)

			go self.write(handleCtx, handleCancel, ws, send)
			go self.read(handleCtx, handleCancel, ws)

			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()
				self.connected = true
				self.send = send
				self.handleCtx = handleCtx
			}()

			if connectedOnce {
				self.fire(ConnectionEventReconnected)
			} else {
				connectedOnce = true
				self.fire(ConnectionEventConnected)
			}

			<-handleCtx.Done()

			self.disconnect()
			if self.ctx.Err() == nil {
				self.fire(ConnectionEventDisconnected)
			}
		}
		c()

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// dial and complete the auth handshake
func (self *WsConnection) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.wsUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	var frame wsFrame
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.ReadJSON(&frame); err != nil {
		return nil, err
	}
	if frame.Type != "auth_required" {
		return nil, fmt.Errorf("Auth error: unexpected %s.", frame.Type)
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	authMessage := Message{
		"type":         "auth",
		"access_token": self.auth.AccessToken,
	}
	if err := ws.WriteJSON(authMessage); err != nil {
		return nil, err
	}

	frame = wsFrame{}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.ReadJSON(&frame); err != nil {
		return nil, err
	}
	switch frame.Type {
	case "auth_ok":
	case "auth_invalid":
		return nil, fmt.Errorf("%w %s", ErrAuthInvalid, frame.Message)
	default:
		return nil, fmt.Errorf("Auth error: unexpected %s.", frame.Type)
	}

	success = true
	return ws, nil
}

func (self *WsConnection) write(
	handleCtx context.Context,
	handleCancel context.CancelFunc,
	ws *websocket.Conn,
	send chan []byte,
) {
	defer handleCancel()

	for {
		select {
		case <-handleCtx.Done():
			return
		case message := <-send:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// note that for websocket a dealine timeout cannot be recovered
				glog.Infof("[cs]-> error = %s\n", err)
				return
			}
			glog.V(2).Infof("[cs]-> %s\n", message)
		case <-time.After(self.settings.PingTimeout):
			deadline := time.Now().Add(self.settings.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				glog.Infof("[cs]ping error = %s\n", err)
				return
			}
		}
	}
}

func (self *WsConnection) read(
	handleCtx context.Context,
	handleCancel context.CancelFunc,
	ws *websocket.Conn,
) {
	defer handleCancel()

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	})

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[cr]<- error = %s\n", err)
			return
		}

		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[cr]other=%d<-\n", messageType)
			continue
		}

		frames, err := decodeFrames(message)
		if err != nil {
			glog.Infof("[cr]<- bad frame = %s\n", err)
			continue
		}
		for _, frame := range frames {
			self.dispatch(frame)
		}
	}
}

// the server may coalesce frames into a json array
func decodeFrames(message []byte) ([]*wsFrame, error) {
	message = bytes.TrimSpace(message)
	if 0 < len(message) && message[0] == '[' {
		var frames []*wsFrame
		if err := json.Unmarshal(message, &frames); err != nil {
			return nil, err
		}
		return frames, nil
	}
	frame := &wsFrame{}
	if err := json.Unmarshal(message, frame); err != nil {
		return nil, err
	}
	return []*wsFrame{frame}, nil
}

func (self *WsConnection) dispatch(frame *wsFrame) {
	switch frame.Type {
	case "result":
		var resultChannel chan *wsResult
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			resultChannel = self.pending[frame.Id]
			delete(self.pending, frame.Id)
		}()
		if resultChannel != nil {
			resultChannel <- &wsResult{frame: frame}
		} else {
			// results of fire-and-forget calls
			glog.V(2).Infof("[cr]<- unclaimed result %d\n", frame.Id)
		}
	case "event":
		var callback MessageFunction
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			callback = self.subscriptions[frame.Id]
		}()
		if callback != nil {
			HandleError(func() {
				callback(frame.Event)
			})
		}
	case "pong":
	default:
		glog.V(2).Infof("[cr]<- other type %s\n", frame.Type)
	}
}

// fails pending requests and drops subscriptions of the current websocket
func (self *WsConnection) disconnect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.connected = false
	self.send = nil
	self.handleCtx = nil
	for id, resultChannel := range self.pending {
		resultChannel <- &wsResult{err: ErrDisconnected}
		delete(self.pending, id)
	}
	clear(self.subscriptions)
}

func (self *WsConnection) fire(event ConnectionEvent) {
	glog.V(1).Infof("[c]%s %s\n", event, self.wsUrl)
	for _, callback := range self.connectionCallbacks.Get() {
		HandleError(func() {
			callback(event)
		})
	}
}

// allocates a message id on the live websocket.
// `awaitResult` registers a result channel, `callback` registers a subscription
func (self *WsConnection) register(
	awaitResult bool,
	callback MessageFunction,
) (id int, resultChannel chan *wsResult, send chan []byte, handleCtx context.Context, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		err = ErrClosed
		return
	}
	if !self.connected {
		err = ErrNotConnected
		return
	}

	id = self.nextId
	self.nextId += 1
	if awaitResult {
		resultChannel = make(chan *wsResult, 1)
		self.pending[id] = resultChannel
	}
	if callback != nil {
		self.subscriptions[id] = callback
	}
	send = self.send
	handleCtx = self.handleCtx
	return
}

func (self *WsConnection) unregister(id int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.pending, id)
	delete(self.subscriptions, id)
}

func (self *WsConnection) queue(
	ctx context.Context,
	handleCtx context.Context,
	send chan []byte,
	id int,
	message Message,
) error {
	payload := make(Message, len(message)+1)
	for k, v := range message {
		payload[k] = v
	}
	payload["id"] = id
	messageBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-handleCtx.Done():
		return ErrDisconnected
	case send <- messageBytes:
		return nil
	}
}

// the result is failed by `disconnect` when the websocket drops.
// `handleCtx` covers a drop while the run loop is busy firing callbacks
func (self *WsConnection) await(
	ctx context.Context,
	handleCtx context.Context,
	id int,
	resultChannel chan *wsResult,
) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		self.unregister(id)
		return nil, ctx.Err()
	case <-handleCtx.Done():
		self.unregister(id)
		return nil, ErrDisconnected
	case result := <-resultChannel:
		if result.err != nil {
			return nil, result.err
		}
		if !result.frame.Success {
			if result.frame.Error != nil {
				return nil, result.frame.Error
			}
			return nil, &ResultError{Code: "unknown_error", Message: "Call failed."}
		}
		return result.frame.Result, nil
	}
}

func (self *WsConnection) CallWS(ctx context.Context, message Message) (json.RawMessage, error) {
	id, resultChannel, send, handleCtx, err := self.register(true, nil)
	if err != nil {
		return nil, err
	}
	if err := self.queue(ctx, handleCtx, send, id, message); err != nil {
		self.unregister(id)
		return nil, err
	}
	return self.await(ctx, handleCtx, id, resultChannel)
}

func (self *WsConnection) sendNoReply(ctx context.Context, message Message) error {
	id, _, send, handleCtx, err := self.register(false, nil)
	if err != nil {
		return err
	}
	return self.queue(ctx, handleCtx, send, id, message)
}

func (self *WsConnection) CallService(
	ctx context.Context,
	domain string,
	service string,
	serviceData map[string]any,
) error {
	message := Message{
		"type":    "call_service",
		"domain":  domain,
		"service": service,
	}
	if serviceData != nil {
		message["service_data"] = serviceData
	}
	return self.sendNoReply(ctx, message)
}

func (self *WsConnection) CallApi(ctx context.Context, method string, path string, args any, result any) error {
	url := fmt.Sprintf("%s/%s", self.apiUrl, strings.TrimPrefix(path, "/"))
	return callApi(ctx, self.httpClient, method, url, args, self.auth.AccessToken, result)
}

func (self *WsConnection) SubscribeMessage(
	ctx context.Context,
	message Message,
	callback MessageFunction,
) (func(), error) {
	id, resultChannel, send, handleCtx, err := self.register(true, callback)
	if err != nil {
		return nil, err
	}
	if err := self.queue(ctx, handleCtx, send, id, message); err != nil {
		self.unregister(id)
		return nil, err
	}
	if _, err := self.await(ctx, handleCtx, id, resultChannel); err != nil {
		self.unregister(id)
		return nil, err
	}

	var unsubscribeOnce sync.Once
	unsubscribe := func() {
		unsubscribeOnce.Do(func() {
			active := false
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()
				_, active = self.subscriptions[id]
				delete(self.subscriptions, id)
			}()
			if active {
				// unsubscribe may run on the read loop, so the result is not awaited
				err := self.sendNoReply(self.ctx, Message{
					"type":         "unsubscribe_events",
					"subscription": id,
				})
				if err != nil {
					glog.V(1).Infof("[c]unsubscribe %d error = %s\n", id, err)
				}
			}
		})
	}
	return unsubscribe, nil
}

func (self *WsConnection) AddConnectionCallback(callback ConnectionEventFunction) func() {
	callbackId := self.connectionCallbacks.Add(callback)
	return func() {
		self.connectionCallbacks.Remove(callbackId)
	}
}

func (self *WsConnection) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

func (self *WsConnection) Close() {
	self.cancel()
}
