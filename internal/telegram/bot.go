// Package telegram is the chat front end: long-polls the Bot API, routes
// commands and messages into the agent, and streams status back.
package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tinabots/tina/internal/agent"
	"github.com/tinabots/tina/internal/provider"
	"github.com/tinabots/tina/internal/scheduler"
	"github.com/tinabots/tina/internal/skills"
	"github.com/tinabots/tina/internal/task"
)

// maxMessageLen is Telegram's hard cap per message.
const maxMessageLen = 4096

// typingInterval keeps the "typing..." indicator alive while the agent works.
const typingInterval = 4 * time.Second

// Processor is the slice of the agent the bot drives.
type Processor interface {
	Process(ctx context.Context, message string, opts agent.Options) (*agent.Response, error)
	ForceCompress(ctx context.Context, t *task.Task) (string, error)
}

// Transcriber converts voice notes to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// ModelSwitcher rebuilds the agent for a new model. The returned
// Processor replaces the bot's current one.
type ModelSwitcher interface {
	CurrentModel() string
	SwitchModel(model string) (Processor, error)
}

// Bot is the Telegram front end.
type Bot struct {
	api       *tgbotapi.BotAPI
	agent     Processor
	tasks     *task.Store
	schedules *scheduler.Store
	skills    *skills.Loader
	allowed   map[int64]bool
	voice     Transcriber   // nil: voice notes unsupported
	models    ModelSwitcher // nil: /model unavailable
	logger    *slog.Logger

	mu        sync.Mutex
	chatTasks map[int64]string // chat → task binding
}

// Option configures the Bot.
type Option func(*Bot)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// WithTranscriber enables voice note support.
func WithTranscriber(t Transcriber) Option {
	return func(b *Bot) { b.voice = t }
}

// WithModelSwitcher enables the /model command.
func WithModelSwitcher(ms ModelSwitcher) Option {
	return func(b *Bot) { b.models = ms }
}

// New connects to the Bot API. allowedUsers is the user-ID allow list; an
// empty list rejects everyone.
func New(token string, allowedUsers []int64, ag Processor, tasks *task.Store, schedules *scheduler.Store, sk *skills.Loader, opts ...Option) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}

	allowed := make(map[int64]bool, len(allowedUsers))
	for _, id := range allowedUsers {
		allowed[id] = true
	}

	b := &Bot{
		api:       api,
		agent:     ag,
		tasks:     tasks,
		schedules: schedules,
		skills:    sk,
		allowed:   allowed,
		logger:    slog.Default(),
		chatTasks: make(map[int64]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Run long-polls until the context is cancelled.
func (b *Bot) Run(ctx context.Context) {
	b.logger.Info("telegram bot started", "username", b.api.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("telegram bot stopped")
			return
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			b.handleMessage(ctx, update.Message)
		}
	}
}

// SendMessage delivers text to a chat, splitting into Telegram-sized chunks.
// Satisfies scheduler.SendFunc.
func (b *Bot) SendMessage(chatID int64, text string) error {
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// processor returns the current agent; /model swaps it at runtime.
func (b *Bot) processor() Processor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agent
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || !b.allowed[msg.From.ID] {
		if msg.From != nil {
			b.logger.Warn("message from unauthorized user", "user", msg.From.ID)
		}
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}
	if len(msg.Photo) > 0 {
		go b.handlePhoto(ctx, msg)
		return
	}
	if msg.Voice != nil {
		go b.handleVoice(ctx, msg)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	// Per-task single flight lives in the agent: a newer message cancels
	// the in-flight call for the same task.
	go b.processMessage(ctx, msg.Chat.ID, text, nil)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		b.reply(chatID, fmt.Sprintf("Hi %s! I'm Tina.\n\nSend me a message and I'll help you out.\nType /help for commands.", msg.From.FirstName))

	case "help":
		b.reply(chatID, "Tina commands:\n\n"+
			"/new [name] - Create a new task\n"+
			"/tasks - List tasks\n"+
			"/resume <id> - Switch to a task\n"+
			"/compress - Compress current task\n"+
			"/model [name] - Show or switch the model\n"+
			"/skills - List skills\n"+
			"/schedules - List scheduled tasks\n"+
			"/help - This message\n\n"+
			"Send any text message to chat!")

	case "new":
		name := args
		if name == "" {
			name = "New task"
		}
		t, err := b.tasks.Create(name)
		if err != nil {
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		b.bindChat(chatID, t.ID)
		b.reply(chatID, fmt.Sprintf("Created task [%s] %s", t.ID, t.Name))

	case "tasks":
		list, err := b.tasks.List()
		if err != nil {
			b.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		b.reply(chatID, formatTasks(list, b.boundTask(chatID)))

	case "resume":
		if args == "" {
			b.reply(chatID, "Usage: /resume <task_id>")
			return
		}
		t, err := b.tasks.SetActive(args)
		if err != nil || t == nil {
			b.reply(chatID, fmt.Sprintf("Task %q not found", args))
			return
		}
		b.bindChat(chatID, t.ID)
		b.reply(chatID, fmt.Sprintf("Resumed [%s] %s", t.ID, t.Name))

	case "compress":
		b.handleCompress(ctx, chatID)

	case "model":
		b.handleModel(chatID, args)

	case "skills":
		b.reply(chatID, formatSkills(b.skills.List()))

	case "schedules":
		b.reply(chatID, formatSchedules(b.schedules.List(), chatID))

	default:
		b.reply(chatID, "Unknown command. Type /help.")
	}
}

func (b *Bot) handleModel(chatID int64, args string) {
	if b.models == nil {
		b.reply(chatID, "Model switching is not available.")
		return
	}
	if args == "" {
		b.reply(chatID, fmt.Sprintf("Current model: %s\nUsage: /model <name>", b.models.CurrentModel()))
		return
	}
	proc, err := b.models.SwitchModel(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Model switch failed: %v", err))
		return
	}
	b.mu.Lock()
	b.agent = proc
	b.mu.Unlock()
	b.reply(chatID, fmt.Sprintf("Model set to %s", args))
}

func (b *Bot) handleCompress(ctx context.Context, chatID int64) {
	t := b.chatTask(chatID)
	if t == nil {
		b.reply(chatID, "No active task")
		return
	}
	b.reply(chatID, "Compressing...")
	summary, err := b.processor().ForceCompress(ctx, t)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Compression failed: %v", err))
		return
	}
	if summary == "" {
		b.reply(chatID, "Nothing to compress")
		return
	}
	b.SendMessage(chatID, "Summary:\n\n"+summary)
}

func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Caption)
	if text == "" {
		text = "What's in this image?"
	}

	// Largest rendition is last.
	photo := msg.Photo[len(msg.Photo)-1]
	data, err := b.downloadFile(photo.FileID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to download photo: %v", err))
		return
	}

	img := provider.Image{
		MediaType: "image/jpeg", // Telegram re-encodes photos as JPEG
		Data:      base64.StdEncoding.EncodeToString(data),
	}
	b.processMessage(ctx, chatID, text, []provider.Image{img})
}

func (b *Bot) handleVoice(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if b.voice == nil {
		b.reply(chatID, "Voice notes need an OpenAI API key configured for transcription.")
		return
	}

	data, err := b.downloadFile(msg.Voice.FileID)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to download voice note: %v", err))
		return
	}
	text, err := b.voice.Transcribe(ctx, data, "voice.oga")
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Transcription failed: %v", err))
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		b.reply(chatID, "Couldn't make out any speech in that voice note.")
		return
	}
	b.reply(chatID, "🎤 "+text)
	b.processMessage(ctx, chatID, text, nil)
}

func (b *Bot) processMessage(ctx context.Context, chatID int64, text string, images []provider.Image) {
	stopTyping := b.startTyping(chatID)
	defer stopTyping()

	resp, err := b.processor().Process(ctx, text, agent.Options{
		Task:   b.chatTask(chatID),
		ChatID: chatID,
		Images: images,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return // superseded by a newer message
		}
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	b.bindChat(chatID, resp.Task.ID)
	out := resp.Text
	if out == "" {
		out = "(no output)"
	}
	if err := b.SendMessage(chatID, out); err != nil {
		b.logger.Error("reply undelivered", "chat", chatID, "error", err)
	}
}

// startTyping keeps the chat action alive until the returned stop func runs.
func (b *Bot) startTyping(chatID int64) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()
	return func() { close(done) }
}

func (b *Bot) downloadFile(fileID string) ([]byte, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, err
	}
	resp, err := http.Get(file.Link(b.api.Token))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (b *Bot) reply(chatID int64, text string) {
	if err := b.SendMessage(chatID, text); err != nil {
		b.logger.Error("reply failed", "chat", chatID, "error", err)
	}
}

func (b *Bot) bindChat(chatID int64, taskID string) {
	b.mu.Lock()
	b.chatTasks[chatID] = taskID
	b.mu.Unlock()
}

func (b *Bot) boundTask(chatID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chatTasks[chatID]
}

// chatTask returns the task bound to this chat, or nil so the agent falls
// back to the active task.
func (b *Bot) chatTask(chatID int64) *task.Task {
	id := b.boundTask(chatID)
	if id == "" {
		return nil
	}
	t, err := b.tasks.Get(id)
	if err != nil {
		return nil
	}
	return t
}
