// Package telegramclient wraps the Telegram Bot API behind the small set of
// outbound primitives the core services need: send message, send photo, send
// document group, edit message. Core packages depend on narrow interfaces
// satisfied by Client so tests can substitute fakes.
package telegramclient

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Button is one inline keyboard button carrying a callback payload.
type Button struct {
	Text string
	Data string
}

// Client is the concrete Telegram transport.
type Client struct {
	api    *tgbotapi.BotAPI
	logger *zap.Logger
}

// NewClient authenticates against the Bot API.
func NewClient(token string, logger *zap.Logger) (*Client, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}

	logger.Info("Telegram client authorized", zap.String("username", api.Self.UserName))
	return &Client{api: api, logger: logger}, nil
}

// Username returns the bot's own username.
func (c *Client) Username() string {
	return c.api.Self.UserName
}

// Updates opens the long-polling update channel.
func (c *Client) Updates() tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	return c.api.GetUpdatesChan(u)
}

// StopUpdates shuts down the long-polling loop.
func (c *Client) StopUpdates() {
	c.api.StopReceivingUpdates()
}

// SendMessage sends an HTML message with an optional inline keyboard and
// returns the new message id.
func (c *Client) SendMessage(chatID int64, text string, rows [][]Button) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if len(rows) > 0 {
		msg.ReplyMarkup = keyboard(rows)
	}

	sent, err := c.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to send message to %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

// SendPhoto sends a photo with an HTML caption and returns the message id.
func (c *Client) SendPhoto(chatID int64, name string, data []byte, caption string) (int, error) {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	photo.Caption = caption
	photo.ParseMode = tgbotapi.ModeHTML

	sent, err := c.api.Send(photo)
	if err != nil {
		return 0, fmt.Errorf("failed to send photo to %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

// SendDocumentGroup sends stored documents (by Telegram file id) as one media
// group, optionally replying to an existing message.
func (c *Client) SendDocumentGroup(chatID int64, fileIDs []string, replyTo int) error {
	if len(fileIDs) == 0 {
		return nil
	}

	media := make([]interface{}, 0, len(fileIDs))
	for i, id := range fileIDs {
		doc := tgbotapi.NewInputMediaDocument(tgbotapi.FileID(id))
		if i == 0 {
			doc.Caption = "📎 Материалы к паре"
		}
		media = append(media, doc)
	}

	group := tgbotapi.MediaGroupConfig{
		ChatID:           chatID,
		ReplyToMessageID: replyTo,
		Media:            media,
	}
	if _, err := c.api.SendMediaGroup(group); err != nil {
		return fmt.Errorf("failed to send document group to %d: %w", chatID, err)
	}
	return nil
}

// EditMessageText rewrites an existing message's text and keyboard.
func (c *Client) EditMessageText(chatID int64, messageID int, text string, rows [][]Button) error {
	var err error
	if len(rows) > 0 {
		edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, keyboard(rows))
		edit.ParseMode = tgbotapi.ModeHTML
		_, err = c.api.Send(edit)
	} else {
		edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
		edit.ParseMode = tgbotapi.ModeHTML
		_, err = c.api.Send(edit)
	}
	if err != nil {
		return fmt.Errorf("failed to edit message %d/%d: %w", chatID, messageID, err)
	}
	return nil
}

// EditMessageMarkup replaces only the inline keyboard of a message.
func (c *Client) EditMessageMarkup(chatID int64, messageID int, rows [][]Button) error {
	edit := tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, keyboard(rows))
	if _, err := c.api.Send(edit); err != nil {
		return fmt.Errorf("failed to edit markup %d/%d: %w", chatID, messageID, err)
	}
	return nil
}

// AnswerCallback acknowledges an inline-button press, optionally with a popup
// alert.
func (c *Client) AnswerCallback(callbackID, text string, alert bool) error {
	var cb tgbotapi.CallbackConfig
	if alert {
		cb = tgbotapi.NewCallbackWithAlert(callbackID, text)
	} else {
		cb = tgbotapi.NewCallback(callbackID, text)
	}
	if _, err := c.api.Request(cb); err != nil {
		return fmt.Errorf("failed to answer callback: %w", err)
	}
	return nil
}

func keyboard(rows [][]Button) tgbotapi.InlineKeyboardMarkup {
	kbRows := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		kbRow := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			kbRow = append(kbRow, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		kbRows = append(kbRows, kbRow)
	}
	return tgbotapi.NewInlineKeyboardMarkup(kbRows...)
}
