package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"crowdfund/pkg/models"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	// DefaultSendBuffer 每个会话的待发送消息上限，队列满时丢弃新消息
	DefaultSendBuffer = 16
)

// TokenVerifier 校验访问令牌并返回钱包地址
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (string, error)
}

// Message 推送给客户端的消息
type Message struct {
	Event models.NotificationKind `json:"event"`
	Data  MessageData             `json:"data"`
}

// MessageData 消息内容
type MessageData struct {
	Role   string `json:"role"`
	Amount string `json:"amount"`
}

// session 一个钱包的WebSocket连接
type session struct {
	wallet string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Hub 钱包地址到WebSocket会话的映射，每个钱包只保留最新的连接
type Hub struct {
	verifier   TokenVerifier
	logger     *logrus.Logger
	upgrader   websocket.Upgrader
	sendBuffer int

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup

	dropped uint64
}

// NewHub 创建会话中心
func NewHub(verifier TokenVerifier, logger *logrus.Logger) *Hub {
	return &Hub{
		verifier:   verifier,
		logger:     logger,
		sendBuffer: DefaultSendBuffer,
		sessions:   make(map[string]*session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS 校验 token 查询参数后升级为WebSocket连接
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.logger.Warn("WebSocket连接被拒绝：缺少token")
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	wallet, err := h.verifier.VerifyAccessToken(r.Context(), token)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket连接被拒绝：token无效")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket升级失败")
		return
	}

	s := &session{
		wallet: models.NormalizeAddress(wallet),
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
	}
	if !h.register(s) {
		conn.Close()
		return
	}

	h.wg.Add(2)
	go h.writePump(s)
	go h.readPump(s)
}

// register 新连接替换同一钱包的旧连接
func (h *Hub) register(s *session) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	old := h.sessions[s.wallet]
	h.sessions[s.wallet] = s
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
	h.logger.WithField("wallet", s.wallet).Info("WebSocket客户端已连接")
	return true
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if h.sessions[s.wallet] == s {
		delete(h.sessions, s.wallet)
	}
	h.mu.Unlock()
	s.close()
	h.logger.WithField("wallet", s.wallet).Debug("WebSocket客户端已断开")
}

// readPump 只处理控制帧，用于发现断开的连接
func (h *Hub) readPump(s *session) {
	defer h.wg.Done()
	defer h.unregister(s)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(s *session) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.unregister(s)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(s)
				return
			}
		case <-s.done:
			return
		}
	}
}

// Notify 推送给钱包当前会话；没有会话或队列已满时丢弃
func (h *Hub) Notify(ctx context.Context, wallet string, kind models.NotificationKind, amount decimal.Decimal) {
	wallet = models.NormalizeAddress(wallet)

	h.mu.RLock()
	s, ok := h.sessions[wallet]
	h.mu.RUnlock()
	if !ok {
		return
	}

	payload, err := json.Marshal(Message{
		Event: kind,
		Data:  MessageData{Role: kind.Role(), Amount: amount.String()},
	})
	if err != nil {
		h.logger.WithError(err).Warn("序列化推送消息失败")
		return
	}

	select {
	case s.send <- payload:
	case <-s.done:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.logger.WithField("wallet", wallet).Warn("推送队列已满，丢弃消息")
	}
}

// Connected 当前在线的钱包数
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Dropped 因队列已满被丢弃的消息数
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Close 断开所有连接
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(time.Second))
		s.close()
	}
	h.wg.Wait()
	h.logger.Info("WebSocket会话中心已关闭")
	return nil
}
