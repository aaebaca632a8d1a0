package service

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"maxrelay/internal/metrics"
	"maxrelay/internal/state"
	"maxrelay/pkg/telegram"

	"github.com/sirupsen/logrus"
)

// CommandService is the admin collaborator of the relay: a long-polling
// Telegram bot through which users manage their subscriptions and the admin
// edits the chat catalog. It never touches offsets; the relay pipelines pick
// up catalog and subscriber changes on their own.
type CommandService struct {
	tg          telegram.Client
	subscribers *state.SubscriberStore
	catalog     *state.CatalogStore
	adminChatID int64
	pollTimeout int
	logger      *logrus.Logger
}

func NewCommandService(
	tg telegram.Client,
	subscribers *state.SubscriberStore,
	catalog *state.CatalogStore,
	adminChatID int64,
	pollTimeout int,
	logger *logrus.Logger,
) *CommandService {
	return &CommandService{
		tg:          tg,
		subscribers: subscribers,
		catalog:     catalog,
		adminChatID: adminChatID,
		pollTimeout: pollTimeout,
		logger:      logger,
	}
}

// Run long-polls getUpdates until the context is cancelled. Poll failures
// back off and retry; the bot being down must never take the relay with it.
func (cs *CommandService) Run(ctx context.Context) error {
	if err := cs.tg.DeleteWebhook(ctx); err != nil {
		cs.logger.WithError(err).Warn("Failed to clear webhook before polling")
	}

	var offset int64
	pollDelay := time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := cs.tg.GetUpdates(ctx, offset, cs.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cs.logger.WithError(err).Warn("getUpdates failed, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollDelay):
			}
			if pollDelay < 30*time.Second {
				pollDelay *= 2
			}
			continue
		}
		pollDelay = time.Second

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			cs.handleUpdate(ctx, update)
		}
	}
}

func (cs *CommandService) handleUpdate(ctx context.Context, update telegram.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || !strings.HasPrefix(msg.Text, "/") {
		return
	}

	fields := strings.Fields(msg.Text)
	command := strings.ToLower(fields[0])
	// commands in groups arrive as /cmd@botname
	if i := strings.IndexByte(command, '@'); i >= 0 {
		command = command[:i]
	}
	args := fields[1:]

	if err := cs.subscribers.EnsureUser(msg.From.ID, msg.From.Username, msg.From.FullName()); err != nil {
		cs.logger.WithError(err).WithField("user_id", msg.From.ID).Warn("Failed to record user")
	}

	metrics.IncrementCounter("bot_commands_total",
		map[string]string{"command": strings.TrimPrefix(command, "/")},
		"Bot commands received")

	var reply string
	switch command {
	case "/start":
		reply = "This bot relays MAX group chats to you.\n" +
			"/list shows the available groups, /subscribe <id> signs you up."
	case "/list":
		reply = cs.renderCatalog()
	case "/subscribe":
		reply = cs.handleSubscribe(msg.From.ID, args)
	case "/unsubscribe":
		reply = cs.handleUnsubscribe(msg.From.ID, args)
	case "/my":
		reply = cs.renderSubscriptions(msg.From.ID)
	case "/addgroup":
		reply = cs.requireAdmin(msg.Chat.ID, func() string { return cs.handleAddGroup(args) })
	case "/hidegroup":
		reply = cs.requireAdmin(msg.Chat.ID, func() string { return cs.handleHideGroup(args) })
	case "/subscribers":
		reply = cs.requireAdmin(msg.Chat.ID, cs.renderSubscribers)
	case "/broadcast":
		reply = cs.requireAdmin(msg.Chat.ID, func() string { return cs.handleBroadcast(ctx, msg.Text) })
	default:
		reply = "Unknown command. Try /list or /my."
	}

	if reply == "" {
		return
	}
	if err := cs.tg.SendMessage(ctx, msg.Chat.ID, reply); err != nil {
		cs.logger.WithError(err).WithField("chat_id", msg.Chat.ID).Warn("Failed to send command reply")
	}
}

func (cs *CommandService) requireAdmin(chatID int64, handler func() string) string {
	if cs.adminChatID == 0 || chatID != cs.adminChatID {
		return "This command is for the administrator."
	}
	return handler()
}

func (cs *CommandService) renderCatalog() string {
	entries := cs.catalog.Snapshot()
	if len(entries) == 0 {
		return "No groups are configured yet."
	}

	ids := make([]int64, 0, len(entries))
	for id, e := range entries {
		if e.Active {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "No groups are active right now."
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	b.WriteString("Available groups:\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "%d %s\n", id, html.EscapeString(entries[id].DisplayName))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (cs *CommandService) handleSubscribe(userID int64, args []string) string {
	chatID, err := parseChatID(args)
	if err != nil {
		return "Usage: /subscribe <group id>"
	}
	entry, ok := cs.catalog.Get(chatID)
	if !ok || !entry.Active {
		return "Unknown group. /list shows what is available."
	}
	if err := cs.subscribers.Subscribe(userID, chatID); err != nil {
		cs.logger.WithError(err).Error("Subscribe failed")
		return "Could not save your subscription, try again later."
	}
	return fmt.Sprintf("Subscribed to %s.", html.EscapeString(entry.DisplayName))
}

func (cs *CommandService) handleUnsubscribe(userID int64, args []string) string {
	chatID, err := parseChatID(args)
	if err != nil {
		return "Usage: /unsubscribe <group id>"
	}
	if err := cs.subscribers.Unsubscribe(userID, chatID); err != nil {
		cs.logger.WithError(err).Error("Unsubscribe failed")
		return "Could not update your subscription, try again later."
	}
	return "Unsubscribed."
}

func (cs *CommandService) renderSubscriptions(userID int64) string {
	chats := cs.subscribers.ChatsOf(userID)
	if len(chats) == 0 {
		return "You have no subscriptions. /list shows the available groups."
	}

	var b strings.Builder
	b.WriteString("Your subscriptions:\n")
	for _, chatID := range chats {
		name := strconv.FormatInt(chatID, 10)
		if entry, ok := cs.catalog.Get(chatID); ok && entry.DisplayName != "" {
			name = entry.DisplayName
		}
		fmt.Fprintf(&b, "%d %s\n", chatID, html.EscapeString(name))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (cs *CommandService) handleAddGroup(args []string) string {
	chatID, err := parseChatID(args)
	if err != nil {
		return "Usage: /addgroup <chat id> [display name]"
	}
	name := strings.Join(args[1:], " ")
	if err := cs.catalog.Upsert(chatID, name); err != nil {
		cs.logger.WithError(err).Error("Catalog upsert failed")
		return "Could not save the group."
	}
	return fmt.Sprintf("Group %d is active.", chatID)
}

func (cs *CommandService) handleHideGroup(args []string) string {
	chatID, err := parseChatID(args)
	if err != nil {
		return "Usage: /hidegroup <chat id>"
	}
	if err := cs.catalog.Deactivate(chatID); err != nil {
		cs.logger.WithError(err).Error("Catalog deactivate failed")
		return "Could not hide the group."
	}
	return fmt.Sprintf("Group %d is hidden. Its relay offset is kept.", chatID)
}

func (cs *CommandService) renderSubscribers() string {
	users := cs.subscribers.Users()
	if len(users) == 0 {
		return "Nobody is subscribed."
	}

	ids := make([]int64, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	fmt.Fprintf(&b, "%d users:\n", len(ids))
	for _, id := range ids {
		u := users[id]
		label := u.Name
		if u.Username != "" {
			label = "@" + u.Username
		}
		fmt.Fprintf(&b, "%d %s (%d chats)\n", id, html.EscapeString(label), len(u.Chats))
	}
	return strings.TrimRight(b.String(), "\n")
}

// handleBroadcast sends the text after the command to every known user.
func (cs *CommandService) handleBroadcast(ctx context.Context, text string) string {
	body := strings.TrimSpace(strings.TrimPrefix(text, "/broadcast"))
	if body == "" {
		return "Usage: /broadcast <text>"
	}

	sent := 0
	for userID := range cs.subscribers.Users() {
		if err := cs.tg.SendMessage(ctx, userID, html.EscapeString(body)); err != nil {
			cs.logger.WithError(err).WithField("user_id", userID).Warn("Broadcast delivery failed")
			continue
		}
		sent++
	}
	return fmt.Sprintf("Broadcast sent to %d users.", sent)
}

func parseChatID(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("missing chat id")
	}
	return strconv.ParseInt(args[0], 10, 64)
}
