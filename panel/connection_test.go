package panel

import (
	"context"
	"encoding/json"
	"sync"
)

type testServiceCall struct {
	domain      string
	service     string
	serviceData map[string]any
}

type testApiCall struct {
	method string
	path   string
}

type testSubscription struct {
	messageType string
	callback    MessageFunction
}

// an in memory `Connection` driven by the test
type testConnection struct {
	stateLock     sync.Mutex
	connected     bool
	closed        bool
	handlers      map[string]func(message Message) (any, error)
	callCounts    map[string]int
	subscribeErrs map[string]error
	// when set, subscribes block until it is closed
	subscribeGate  chan struct{}
	subscribeCount map[string]int
	subscriptions  map[int]*testSubscription
	nextId         int
	serviceCalls   []testServiceCall
	apiCalls       []testApiCall
	apiErr         error

	connectionCallbacks *CallbackList[ConnectionEventFunction]
}

func newTestConnection() *testConnection {
	return &testConnection{
		handlers:            map[string]func(message Message) (any, error){},
		callCounts:          map[string]int{},
		subscribeErrs:       map[string]error{},
		subscribeCount:      map[string]int{},
		subscriptions:       map[int]*testSubscription{},
		nextId:              1,
		connectionCallbacks: NewCallbackList[ConnectionEventFunction](),
	}
}

func (self *testConnection) OnCall(messageType string, handler func(message Message) (any, error)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.handlers[messageType] = handler
}

func (self *testConnection) SetSubscribeErr(messageType string, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.subscribeErrs[messageType] = err
}

func (self *testConnection) CallWS(ctx context.Context, message Message) (json.RawMessage, error) {
	messageType, _ := message["type"].(string)
	var handler func(message Message) (any, error)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.callCounts[messageType] += 1
		handler = self.handlers[messageType]
	}()
	if handler == nil {
		return nil, &ResultError{Code: "unknown_command", Message: messageType}
	}
	result, err := handler(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (self *testConnection) CallCount(messageType string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.callCounts[messageType]
}

func (self *testConnection) CallService(ctx context.Context, domain string, service string, serviceData map[string]any) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.connected {
		return ErrNotConnected
	}
	self.serviceCalls = append(self.serviceCalls, testServiceCall{
		domain:      domain,
		service:     service,
		serviceData: serviceData,
	})
	return nil
}

func (self *testConnection) ServiceCalls() []testServiceCall {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]testServiceCall{}, self.serviceCalls...)
}

func (self *testConnection) CallApi(ctx context.Context, method string, path string, args any, result any) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.apiCalls = append(self.apiCalls, testApiCall{
		method: method,
		path:   path,
	})
	return self.apiErr
}

func (self *testConnection) ApiCalls() []testApiCall {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]testApiCall{}, self.apiCalls...)
}

func (self *testConnection) SubscribeMessage(ctx context.Context, message Message, callback MessageFunction) (func(), error) {
	messageType, _ := message["type"].(string)
	if eventType, ok := message["event_type"].(string); ok {
		messageType = eventType
	}

	var gate chan struct{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.subscribeCount[messageType] += 1
		gate = self.subscribeGate
	}()
	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if err := self.subscribeErrs[messageType]; err != nil {
		return nil, err
	}
	id := self.nextId
	self.nextId += 1
	self.subscriptions[id] = &testSubscription{
		messageType: messageType,
		callback:    callback,
	}
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.subscriptions, id)
	}, nil
}

func (self *testConnection) SubscribeCount(messageType string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.subscribeCount[messageType]
}

func (self *testConnection) ActiveSubscriptions(messageType string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	n := 0
	for _, subscription := range self.subscriptions {
		if subscription.messageType == messageType {
			n += 1
		}
	}
	return n
}

// delivers `event` to every subscription of `messageType`
func (self *testConnection) Push(messageType string, event any) {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		panic(err)
	}
	var callbacks []MessageFunction
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for _, subscription := range self.subscriptions {
			if subscription.messageType == messageType {
				callbacks = append(callbacks, subscription.callback)
			}
		}
	}()
	for _, callback := range callbacks {
		callback(eventBytes)
	}
}

func (self *testConnection) AddConnectionCallback(callback ConnectionEventFunction) func() {
	callbackId := self.connectionCallbacks.Add(callback)
	return func() {
		self.connectionCallbacks.Remove(callbackId)
	}
}

func (self *testConnection) ConnectionCallbackCount() int {
	return self.connectionCallbacks.Len()
}

func (self *testConnection) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

// updates the connection state as a live connection would, then notifies callbacks
func (self *testConnection) Fire(event ConnectionEvent) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		switch event {
		case ConnectionEventConnected, ConnectionEventReconnected:
			self.connected = true
		case ConnectionEventDisconnected:
			self.connected = false
			// subscriptions do not survive a drop
			clear(self.subscriptions)
		case ConnectionEventClosed:
			self.connected = false
			self.closed = true
			clear(self.subscriptions)
		}
	}()
	for _, callback := range self.connectionCallbacks.Get() {
		callback(event)
	}
}

func (self *testConnection) Close() {
	closed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		closed = self.closed
	}()
	if !closed {
		self.Fire(ConnectionEventClosed)
	}
}

func (self *testConnection) IsClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closed
}
