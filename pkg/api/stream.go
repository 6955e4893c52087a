// 文件: pkg/api/stream.go
// 快照推送
//
// - /stream: SSE，每条快照一个 data 帧，空闲时发送注释心跳
// - /ws:     WebSocket，每条快照一个 JSON 文本帧，空闲时发送 Ping
//
// 两者都先订阅再开始写，第一条消息就是订阅时刻的快照

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"valuation.com/pkg/broadcast"
	"valuation.com/pkg/portfolio"
)

// writeWait 单次写 WebSocket 的超时
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) stream(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := s.engine.Subscribe(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer sub.Close()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	keepAlive := time.NewTicker(s.opts.SSEKeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case snap, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					s.log.Info("sse subscriber closed", zap.Error(err))
				}
				return false
			}
			data, err := json.Marshal(snap)
			if err != nil {
				s.log.Error("encode snapshot", zap.Uint64("seq", snap.Seq), zap.Error(err))
				return true
			}
			_, err = fmt.Fprintf(w, "data: %s\n\n", data)
			return err == nil
		case <-keepAlive.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		case <-ctx.Done():
			return false
		}
	})
}

func (s *Server) serveWS(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := s.engine.Subscribe(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写了错误响应
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// 读循环只用来感知对端关闭
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.writeSnapshots(ctx, conn, sub); err != nil {
		s.log.Debug("websocket closed", zap.Error(err))
	}
}

func (s *Server) writeSnapshots(ctx context.Context, conn *websocket.Conn, sub *broadcast.Subscription[portfolio.Snapshot]) error {
	ping := time.NewTicker(s.opts.SSEKeepAlive)
	defer ping.Stop()

	for {
		select {
		case snap, ok := <-sub.C():
			if !ok {
				reason := "stream closed"
				if err := sub.Err(); err != nil {
					reason = err.Error()
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
					time.Now().Add(writeWait))
				return sub.Err()
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				return err
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
