// Package telegram is the Telegram transport. Telegram offers no reaction
// side-channel this bot can race on, so messages arrive with Reactable unset
// and arbitration never runs here.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	e "nuclight.org/mediafetch-bot/pkg/entities"
	"nuclight.org/mediafetch-bot/pkg/logger"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg e.Message) ([]e.Reply, error)
}

type Client struct {
	Log        logger.Logger
	APIToken   string
	WorkersNum int
	Handler    MessageHandler

	bot *tgbotapi.BotAPI
	wg  sync.WaitGroup
}

func (c *Client) Start(ctx context.Context) (err error) {
	if c.WorkersNum == 0 {
		return fmt.Errorf("workers number must be greater than 0")
	}

	log := c.Log

	c.bot, err = tgbotapi.NewBotAPI(c.APIToken)
	if err != nil {
		return fmt.Errorf("creating bot api: %w", err)
	}

	log.Info("bot api created", "username", c.bot.Self.UserName)

	updatesConf := tgbotapi.NewUpdate(0)
	updatesConf.Timeout = 60

	updatesChan := c.bot.GetUpdatesChan(updatesConf)

	for i := 0; i < c.WorkersNum; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleUpdatesFromChan(ctx, updatesChan)
		}()
	}

	return nil
}

func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) handleUpdatesFromChan(ctx context.Context, updatesChan tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-updatesChan:
			err := c.handleUpdate(ctx, update)
			if err != nil {
				c.Log.Error("handling update", "tg_update_id", update.UpdateID, "error", err)
			}
		}
	}
}

func (c *Client) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	log := c.Log.With("tg_update_id", update.UpdateID)

	defer func() {
		if err := recover(); err != nil {
			log.Error("panic", "error", err)
		}
	}()

	if update.Message == nil {
		return nil
	}

	if update.Message.From == nil {
		log.Warn("message from is nil")
		return nil
	}

	if update.Message.Chat == nil {
		log.Warn("message chat is nil")
		return nil
	}

	log.Debug(
		"new message",
		"tg_message_id", update.Message.MessageID,
		"tg_user_id", update.Message.From.ID,
		"tg_chat_id", update.Message.Chat.ID,
		"text", update.Message.Text,
	)

	msg := takeMessage(update.Message)

	replies, err := c.Handler.HandleMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("handling message: %w", err)
	}

	if len(replies) == 0 {
		return nil
	}

	err = c.sendReplies(ctx, update.Message, replies)
	if err != nil {
		return fmt.Errorf("sending replies: %w", err)
	}

	return nil
}

func (c *Client) sendReplies(_ context.Context, to *tgbotapi.Message, replies []e.Reply) error {
	for _, r := range replies {
		var conf tgbotapi.Chattable

		switch r.Kind {
		case e.MediaKindVideo:
			v := tgbotapi.NewVideo(to.Chat.ID, tgbotapi.FilePath(r.Path))
			v.ReplyToMessageID = to.MessageID
			conf = v
		case e.MediaKindImage:
			p := tgbotapi.NewPhoto(to.Chat.ID, tgbotapi.FilePath(r.Path))
			p.ReplyToMessageID = to.MessageID
			conf = p
		case e.MediaKindAudio:
			a := tgbotapi.NewAudio(to.Chat.ID, tgbotapi.FilePath(r.Path))
			a.ReplyToMessageID = to.MessageID
			conf = a
		case e.MediaKindFile:
			d := tgbotapi.NewDocument(to.Chat.ID, tgbotapi.FilePath(r.Path))
			d.ReplyToMessageID = to.MessageID
			conf = d
		default:
			m := tgbotapi.NewMessage(to.Chat.ID, r.Text)
			m.ReplyToMessageID = to.MessageID
			m.DisableWebPagePreview = true
			conf = m
		}

		if _, err := c.bot.Send(conf); err != nil {
			return fmt.Errorf("sending %s reply: %w", r.Kind, err)
		}
	}

	return nil
}

func takeMessage(m *tgbotapi.Message) e.Message {
	group := !m.Chat.IsPrivate()

	session := "telegram:private:" + takeChatID(m.Chat)
	if group {
		session = "telegram:group:" + takeChatID(m.Chat)
	}

	return e.Message{
		Source:    e.SourceTelegram,
		Session:   session,
		ID:        int64(m.MessageID),
		ChatID:    takeChatID(m.Chat),
		GroupChat: group,
		Reactable: false,
		Sender: e.User{
			ID:   takeUserID(m.From),
			Name: takeUserName(m.From),
		},
		Text: m.Text,
		Time: time.Unix(int64(m.Date), 0),
	}
}

func takeChatID(chat *tgbotapi.Chat) string {
	return strconv.FormatInt(chat.ID, 10)
}

func takeUserID(user *tgbotapi.User) string {
	return strconv.FormatInt(user.ID, 10)
}

func takeUserName(user *tgbotapi.User) string {
	var sb strings.Builder

	if user.FirstName != "" {
		sb.WriteString(user.FirstName)
	}

	if user.LastName != "" {
		if sb.Len() > 0 {
			sb.WriteRune(' ')
		}
		sb.WriteString(user.LastName)
	}

	if user.UserName != "" {
		if sb.Len() > 0 {
			sb.WriteRune(' ')
			sb.WriteRune('(')
			sb.WriteRune('@')
			sb.WriteString(user.UserName)
			sb.WriteRune(')')
		} else {
			sb.WriteRune('@')
			sb.WriteString(user.UserName)
		}
	}

	if sb.Len() == 0 {
		return takeUserID(user)
	}

	return sb.String()
}
