// Package onebot implements the OneBot v11 websocket transport: inbound
// message and emoji-like notice events, outbound actions correlated by echo
// id, and the reaction side-channel the arbiter races on.
package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	e "nuclight.org/mediafetch-bot/pkg/entities"
	"nuclight.org/mediafetch-bot/pkg/logger"
)

const (
	actionTimeout  = 10 * time.Second
	redialInterval = 3 * time.Second
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg e.Message) ([]e.Reply, error)
}

// ReactionSink receives externally observed reaction events.
type ReactionSink interface {
	RecordReaction(ev e.ReactionEvent)
}

type Client struct {
	Log         logger.Logger
	URL         string
	AccessToken string
	WorkersNum  int
	Handler     MessageHandler
	Reactions   ReactionSink

	mu   sync.Mutex
	conn *websocket.Conn

	wg   sync.WaitGroup
	msgs chan e.Message

	echo    atomic.Int64
	pending sync.Map // echo id -> chan actionResponse
}

type actionResponse struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Echo    string          `json:"echo"`
}

func (c *Client) Start(ctx context.Context) error {
	if c.WorkersNum == 0 {
		return fmt.Errorf("workers number must be greater than 0")
	}
	if c.URL == "" {
		return fmt.Errorf("websocket url is required")
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing onebot endpoint: %w", err)
	}
	c.setConn(conn)

	c.Log.Info("onebot connected", "url", c.URL)

	c.msgs = make(chan e.Message, c.WorkersNum)

	// ReadMessage has no context support, so an open connection is closed
	// out from under the read loop on shutdown.
	go func() {
		<-ctx.Done()
		c.closeConn()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(ctx)
	}()

	for i := 0; i < c.WorkersNum; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleMessagesFromChan(ctx)
		}()
	}

	return nil
}

func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.AccessToken)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, header)
	return conn, err
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			c.Log.Warn("onebot read failed, reconnecting", "error", err)
			if !c.redial(ctx) {
				return
			}
			continue
		}

		c.dispatch(ctx, data)
	}
}

func (c *Client) redial(ctx context.Context) bool {
	c.closeConn()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(redialInterval):
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.Log.Warn("onebot redial failed", "error", err)
			continue
		}

		c.setConn(conn)
		c.Log.Info("onebot reconnected", "url", c.URL)
		return true
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	var env struct {
		PostType   string `json:"post_type"`
		NoticeType string `json:"notice_type"`
		Echo       string `json:"echo"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		c.Log.Warn("unparseable onebot event", "error", err)
		return
	}

	switch {
	case env.Echo != "":
		c.routeResponse(env.Echo, data)
	case env.PostType == "message":
		c.enqueueMessage(ctx, data)
	case env.PostType == "notice" && env.NoticeType == "group_msg_emoji_like":
		c.ingestEmojiLike(data)
	}
}

func (c *Client) routeResponse(echo string, data []byte) {
	ch, ok := c.pending.Load(echo)
	if !ok {
		return
	}

	var resp actionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.Log.Warn("unparseable action response", "echo", echo, "error", err)
		return
	}

	select {
	case ch.(chan actionResponse) <- resp:
	default:
	}
}

func (c *Client) enqueueMessage(ctx context.Context, data []byte) {
	var ev struct {
		MessageType string `json:"message_type"`
		MessageID   int64  `json:"message_id"`
		GroupID     int64  `json:"group_id"`
		UserID      int64  `json:"user_id"`
		SelfID      int64  `json:"self_id"`
		Time        int64  `json:"time"`
		RawMessage  string `json:"raw_message"`
		Sender      struct {
			Nickname string `json:"nickname"`
		} `json:"sender"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		c.Log.Warn("unparseable message event", "error", err)
		return
	}

	group := ev.MessageType == "group"

	chatID := strconv.FormatInt(ev.UserID, 10)
	session := "onebot:private:" + chatID
	if group {
		chatID = strconv.FormatInt(ev.GroupID, 10)
		session = "onebot:group:" + chatID
	}

	msg := e.Message{
		Source:    e.SourceOneBot,
		Session:   session,
		ID:        ev.MessageID,
		ChatID:    chatID,
		GroupChat: group,
		Reactable: group,
		SelfID:    ev.SelfID,
		Sender: e.User{
			ID:   strconv.FormatInt(ev.UserID, 10),
			Name: ev.Sender.Nickname,
		},
		Text: ev.RawMessage,
		Time: time.Unix(ev.Time, 0),
	}

	select {
	case <-ctx.Done():
	case c.msgs <- msg:
	}
}

// ingestEmojiLike turns a group_msg_emoji_like notice into reaction events.
// Malformed payloads are dropped without noise; they are just chat traffic.
func (c *Client) ingestEmojiLike(data []byte) {
	if c.Reactions == nil {
		return
	}

	var ev struct {
		MessageID any `json:"message_id"`
		UserID    any `json:"user_id"`
		Time      any `json:"time"`
		Likes     []struct {
			EmojiID any `json:"emoji_id"`
		} `json:"likes"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	messageID, ok := toInt64(ev.MessageID)
	if !ok {
		return
	}
	actorID, ok := toInt64(ev.UserID)
	if !ok {
		return
	}
	eventTime, ok := toInt64(ev.Time)
	if !ok {
		return
	}

	for _, like := range ev.Likes {
		token, ok := toInt64(like.EmojiID)
		if !ok {
			continue
		}

		c.Log.Debug("reaction observed",
			"message_id", messageID, "actor_id", actorID, "token", token)

		c.Reactions.RecordReaction(e.ReactionEvent{
			MessageID:   messageID,
			ActorID:     actorID,
			Token:       int(token),
			TimestampMs: eventTime * 1000,
		})
	}
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func (c *Client) handleMessagesFromChan(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.msgs:
			err := c.handleMessage(ctx, msg)
			if err != nil {
				c.Log.Error("handling message", "message_id", msg.ID, "error", err)
			}
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, msg e.Message) error {
	log := c.Log.With("message_id", msg.ID, "session", msg.Session)

	defer func() {
		if err := recover(); err != nil {
			log.Error("panic", "error", err)
		}
	}()

	replies, err := c.Handler.HandleMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("handling message: %w", err)
	}

	if len(replies) == 0 {
		return nil
	}

	err = c.sendReplies(ctx, msg, replies)
	if err != nil {
		return fmt.Errorf("sending replies: %w", err)
	}

	return nil
}

// PostReaction implements the arbiter's reaction side-channel.
func (c *Client) PostReaction(ctx context.Context, messageID int64, token int) error {
	_, err := c.call(ctx, "set_msg_emoji_like", map[string]any{
		"message_id": messageID,
		"emoji_id":   strconv.Itoa(token),
		"set":        true,
	})
	return err
}

func (c *Client) sendReplies(ctx context.Context, msg e.Message, replies []e.Reply) error {
	segments := make([]map[string]any, 0, len(replies))
	for _, r := range replies {
		switch r.Kind {
		case e.MediaKindVideo:
			segments = append(segments, segment("video", map[string]any{"file": fileURI(r.Path)}))
		case e.MediaKindImage:
			segments = append(segments, segment("image", map[string]any{"file": fileURI(r.Path)}))
		case e.MediaKindAudio:
			segments = append(segments, segment("record", map[string]any{"file": fileURI(r.Path)}))
		case e.MediaKindFile:
			segments = append(segments, segment("file", map[string]any{
				"file": fileURI(r.Path),
				"name": r.FileName,
			}))
		default:
			segments = append(segments, segment("text", map[string]any{"text": r.Text}))
		}
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing chat id: %w", err)
	}

	action := "send_private_msg"
	params := map[string]any{"user_id": chatID, "message": segments}
	if msg.GroupChat {
		action = "send_group_msg"
		params = map[string]any{"group_id": chatID, "message": segments}
	}

	_, err = c.call(ctx, action, params)
	return err
}

func segment(kind string, data map[string]any) map[string]any {
	return map[string]any{"type": kind, "data": data}
}

func fileURI(path string) string {
	return "file://" + path
}

func (c *Client) call(ctx context.Context, action string, params map[string]any) (json.RawMessage, error) {
	echo := strconv.FormatInt(c.echo.Add(1), 10)

	ch := make(chan actionResponse, 1)
	c.pending.Store(echo, ch)
	defer c.pending.Delete(echo)

	payload, err := json.Marshal(map[string]any{
		"action": action,
		"params": params,
		"echo":   echo,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s action: %w", action, err)
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("onebot connection is down")
	}
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("sending %s action: %w", action, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(actionTimeout):
		return nil, fmt.Errorf("%s action timed out", action)
	case resp := <-ch:
		if resp.Status == "failed" || resp.RetCode != 0 {
			return nil, fmt.Errorf("%s action failed: retcode %d", action, resp.RetCode)
		}
		return resp.Data, nil
	}
}
