package services

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// EventMessage is one push to a connected dashboard client.
type EventMessage struct {
	Type           string      `json:"type"`
	Data           interface{} `json:"data"`
	OrganizationID uint        `json:"organization_id"`
	Timestamp      time.Time   `json:"timestamp"`
}

type EventClient struct {
	ID             string
	OrganizationID uint
	Conn           *websocket.Conn
	Send           chan EventMessage
	Hub            *EventHub
}

// EventHub 向仪表盘推送规则执行与工单事件
type EventHub struct {
	clients    map[string]*EventClient
	broadcast  chan EventMessage
	register   chan *EventClient
	unregister chan *EventClient
	mutex      sync.RWMutex
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 生产环境需要验证源
	},
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[string]*EventClient),
		broadcast:  make(chan EventMessage, 64),
		register:   make(chan *EventClient),
		unregister: make(chan *EventClient),
	}
}

func (h *EventHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			h.mutex.Unlock()
			logrus.Infof("Client %s connected", client.ID)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
				logrus.Infof("Client %s disconnected", client.ID)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for _, client := range h.clients {
				if message.OrganizationID != 0 && client.OrganizationID != message.OrganizationID {
					continue
				}
				select {
				case client.Send <- message:
				default:
					close(client.Send)
					delete(h.clients, client.ID)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// BroadcastExecution satisfies ExecutionBroadcaster.
func (h *EventHub) BroadcastExecution(ruleID, ticketID uint) {
	h.publish(EventMessage{
		Type: "rule_executed",
		Data: gin.H{"rule_id": ruleID, "ticket_id": ticketID},
	})
}

// BroadcastTicketEvent pushes a raw ticket event to an organization's
// connected clients.
func (h *EventHub) BroadcastTicketEvent(orgID, ticketID uint, event string) {
	h.publish(EventMessage{
		Type:           "ticket_event",
		Data:           gin.H{"ticket_id": ticketID, "event": event},
		OrganizationID: orgID,
	})
}

func (h *EventHub) publish(message EventMessage) {
	message.Timestamp = time.Now()
	select {
	case h.broadcast <- message:
	default:
		logrus.Warn("Event hub broadcast buffer full, dropping message")
	}
}

func (h *EventHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Error("WebSocket upgrade failed:", err)
		return
	}

	orgID, _ := strconv.ParseUint(c.Query("organization_id"), 10, 64)

	client := &EventClient{
		ID:             fmt.Sprintf("client_%d", time.Now().UnixNano()),
		OrganizationID: uint(orgID),
		Conn:           conn,
		Send:           make(chan EventMessage, 256),
		Hub:            h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump only consumes pings and close frames; the event stream is
// one-directional.
func (c *EventClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("WebSocket error: %v", err)
			}
			break
		}
	}
}

func (c *EventClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				logrus.Error("WriteJSON error:", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
