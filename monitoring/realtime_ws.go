package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"modelkit/ml"
)

// MessageType 消息类型
type MessageType string

const (
	EpochStart    MessageType = "epoch_start"
	EpochComplete MessageType = "epoch_complete"
	TrainingStop  MessageType = "training_stop"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

// Message 推送给客户端的消息
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Run       string          `json:"run,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        uint64          `json:"id"`
}

// EpochEvent 轮次事件数据
type EpochEvent struct {
	ModelName string       `json:"model_name"`
	Epoch     int          `json:"epoch"`
	Epochs    int          `json:"epochs"`
	Metrics   EpochMetrics `json:"metrics,omitempty"`
}

// EpochMetrics 轮次指标，NaN 和无穷大编码为字符串
type EpochMetrics map[string]float64

// MarshalJSON 实现 json.Marshaler
func (m EpochMetrics) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = jsonFloat(v)
	}
	return json.Marshal(out)
}

// UnmarshalJSON 接受数字或 "NaN"、"+Inf"、"-Inf"
func (m *EpochMetrics) UnmarshalJSON(b []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == nil {
		*m = nil
		return nil
	}
	out := make(EpochMetrics, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case float64:
			out[k] = x
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return fmt.Errorf("metric %s: %w", k, err)
			}
			out[k] = f
		default:
			return fmt.Errorf("metric %s: unexpected %T", k, v)
		}
	}
	*m = out
	return nil
}

// jsonFloat JSON 不支持 NaN 和无穷大，改用字符串
func jsonFloat(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Sprint(v)
	}
	return v
}

// ClientMessage 客户端发来的消息：subscribe / unsubscribe 某个 run，"*" 表示全部
type ClientMessage struct {
	Type string `json:"type"`
	Run  string `json:"run"`
}

// Client WebSocket客户端
type Client struct {
	conn *websocket.Conn
	send chan []byte
	id   uint64

	mu            sync.RWMutex
	subscriptions map[string]bool
}

func (c *Client) wants(run string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 || c.subscriptions["*"] {
		return true
	}
	return c.subscriptions[run]
}

type outbound struct {
	run  string
	data []byte
}

// TrainingStream 训练事件的WebSocket中心
type TrainingStream struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *zap.Logger

	nextClient uint64
	nextMsg    uint64
	sent       int64
	dropped    int64
}

// NewTrainingStream 创建训练事件中心，需要调用 Run 启动
func NewTrainingStream(logger *zap.Logger, allowedOrigins []string) *TrainingStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrainingStream{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// originChecker 空列表或包含 "*" 时允许所有来源
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		if len(set) == 0 || set["*"] {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Run 处理注册、注销和广播，直到 ctx 结束
func (s *TrainingStream) Run(ctx context.Context) {
	defer func() {
		close(s.done)
		s.logger.Info("training stream stopped")
	}()

	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("client connected", zap.Uint64("client", client.id), zap.Int("total", total))

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
			}
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("client disconnected", zap.Uint64("client", client.id), zap.Int("total", total))

		case msg := <-s.broadcast:
			s.mu.Lock()
			for client := range s.clients {
				if !client.wants(msg.run) {
					continue
				}
				select {
				case client.send <- msg.data:
					atomic.AddInt64(&s.sent, 1)
				default:
					// 发送队列满的慢客户端直接断开
					close(client.send)
					delete(s.clients, client)
				}
			}
			s.mu.Unlock()

		case <-ctx.Done():
			s.mu.Lock()
			for client := range s.clients {
				close(client.send)
				delete(s.clients, client)
			}
			s.mu.Unlock()
			return
		}
	}
}

// ClientCount 当前连接数
func (s *TrainingStream) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Stats 发送和丢弃的消息数
func (s *TrainingStream) Stats() (sent, dropped int64) {
	return atomic.LoadInt64(&s.sent), atomic.LoadInt64(&s.dropped)
}

// ServeHTTP 升级为WebSocket连接
func (s *TrainingStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		conn:          conn,
		send:          make(chan []byte, 64),
		id:            atomic.AddUint64(&s.nextClient, 1),
		subscriptions: make(map[string]bool),
	}
	if run := r.URL.Query().Get("run"); run != "" {
		client.subscriptions[run] = true
	}

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}
	go s.writePump(client)
	go s.readPump(client)
}

// Publish 广播消息，队列满时丢弃
func (s *TrainingStream) Publish(typ MessageType, run string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", typ, err)
	}
	msg, err := json.Marshal(Message{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Run:       run,
		Data:      raw,
		ID:        atomic.AddUint64(&s.nextMsg, 1),
	})
	if err != nil {
		return err
	}
	select {
	case s.broadcast <- outbound{run: run, data: msg}:
	default:
		atomic.AddInt64(&s.dropped, 1)
		s.logger.Warn("broadcast queue is full, dropping message", zap.String("type", string(typ)))
	}
	return nil
}

func (s *TrainingStream) writePump(c *Client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("websocket write error", zap.Uint64("client", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *TrainingStream) readPump(c *Client) {
	defer func() {
		select {
		case s.unregister <- c:
		case <-s.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket error", zap.Uint64("client", c.id), zap.Error(err))
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid client message", zap.Uint64("client", c.id), zap.Error(err))
			continue
		}
		c.mu.Lock()
		switch msg.Type {
		case "subscribe":
			c.subscriptions[msg.Run] = true
		case "unsubscribe":
			delete(c.subscriptions, msg.Run)
		}
		c.mu.Unlock()
	}
}

// Callback 把训练轮次事件推送到 run 频道的 ml.Callback
func (s *TrainingStream) Callback(run string) ml.Callback {
	return &streamCallback{stream: s, run: run}
}

type streamCallback struct {
	stream *TrainingStream
	run    string
}

func (c *streamCallback) OnEpochStart(_ context.Context, state *ml.State) error {
	return c.stream.Publish(EpochStart, c.run, EpochEvent{
		ModelName: state.Model.Name(),
		Epoch:     state.Epoch,
		Epochs:    state.Epochs,
	})
}

func (c *streamCallback) OnEpochComplete(_ context.Context, state *ml.State) error {
	event := EpochEvent{
		ModelName: state.Model.Name(),
		Epoch:     state.Epoch,
		Epochs:    state.Epochs,
		Metrics:   state.Metrics,
	}
	if err := c.stream.Publish(EpochComplete, c.run, event); err != nil {
		return err
	}
	if state.Stop || state.Epoch == state.Epochs-1 {
		return c.stream.Publish(TrainingStop, c.run, event)
	}
	return nil
}
