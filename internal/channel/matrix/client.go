// Package matrix implements the Matrix ingest channel on mautrix-go. It
// joins rooms it is invited to by allowed users and feeds every text
// message to the window manager.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/contextd/pkg/channel"
)

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver string
	UserID     string // localpart, e.g. "contextd"
	Password   string
	ServerName string // e.g. "matrix.example.com"
	DataDir    string
	Filter     channel.Filter
	// NameCacheSize bounds the display-name cache.
	NameCacheSize int
}

// Channel implements channel.Channel for Matrix.
type Channel struct {
	config    Config
	client    *mautrix.Client
	handler   channel.MessageHandler
	startTime int64
	names     *lru.Cache[id.UserID, string]

	credFile string
}

// credentials holds saved Matrix login state.
type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a Matrix channel.
func New(cfg Config) (*Channel, error) {
	size := cfg.NameCacheSize
	if size <= 0 {
		size = 512
	}
	names, err := lru.New[id.UserID, string](size)
	if err != nil {
		return nil, fmt.Errorf("matrix name cache: %w", err)
	}
	return &Channel{
		config:   cfg,
		names:    names,
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
	}, nil
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "matrix" }

// Start connects to Matrix and syncs until ctx is cancelled. Login is
// retried with exponential backoff.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler
	c.startTime = time.Now().UnixMilli()

	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("create matrix data dir: %w", err)
	}

	fullUserID := fmt.Sprintf("@%s:%s", c.config.UserID, c.config.ServerName)
	client, err := mautrix.NewClient(c.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	c.client = client

	// In-memory sync store; messages older than startTime are skipped, so
	// a full resync after restart is harmless.
	client.Store = mautrix.NewMemorySyncStore()

	if err := c.loginWithRetry(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.onMessage(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		c.onMemberEvent(ctx, evt)
	})

	slog.Info("matrix channel ready, starting sync", "user", fullUserID)

	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting in 15s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
		}
	}
}

// loginWithRetry tries saved credentials first, then password login with
// backoff.
func (c *Channel) loginWithRetry(ctx context.Context, fullUserID string) error {
	if err := c.loadCredentials(); err == nil {
		slog.Info("loaded saved Matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := 2 * time.Second
	maxBackoff := 2 * time.Minute
	maxAttempts := 10

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slog.Info("logging into Matrix", "user", fullUserID, "homeserver", c.config.Homeserver, "attempt", attempt)

		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into Matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}

		errStr := err.Error()
		if strings.Contains(errStr, "M_FORBIDDEN") ||
			strings.Contains(errStr, "M_UNKNOWN_TOKEN") ||
			strings.Contains(errStr, "M_INVALID_PARAM") {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}
		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		slog.Warn("matrix login failed, retrying", "error", err, "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return fmt.Errorf("matrix login: exhausted retries")
}

// Stop ends the sync loop.
func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

// --- Event Handlers ---

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	msg, ok := c.convert(ctx, evt)
	if !ok {
		return
	}

	slog.Debug("matrix message received",
		"sender", evt.Sender,
		"room", evt.RoomID,
		"event", evt.ID,
		"content", truncate(msg.Text, 100),
	)
	if err := c.handler(ctx, msg); err != nil {
		slog.Error("ingest failed", "room", evt.RoomID, "event", evt.ID, "error", err)
	}
}

// convert applies the ingest filters and builds the channel message.
func (c *Channel) convert(ctx context.Context, evt *event.Event) (channel.Message, bool) {
	if evt.Sender == c.client.UserID {
		return channel.Message{}, false
	}
	if evt.Timestamp < c.startTime {
		return channel.Message{}, false
	}
	if !c.config.Filter.Allow(string(evt.RoomID), string(evt.Sender)) {
		return channel.Message{}, false
	}

	content := evt.Content.AsMessage()
	if content == nil || content.Body == "" {
		return channel.Message{}, false
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote, "":
	default:
		return channel.Message{}, false
	}

	return channel.Message{
		Source:     "matrix",
		RoomID:     string(evt.RoomID),
		MessageID:  string(evt.ID),
		SenderID:   string(evt.Sender),
		SenderName: c.displayName(ctx, evt.Sender),
		Text:       content.Body,
		SentAt:     time.UnixMilli(evt.Timestamp),
	}, true
}

// displayName resolves a user's display name through the cache. Failures
// fall back to the localpart and are not cached.
func (c *Channel) displayName(ctx context.Context, user id.UserID) string {
	if name, ok := c.names.Get(user); ok {
		return name
	}
	resp, err := c.client.GetDisplayName(ctx, user)
	if err != nil || resp.DisplayName == "" {
		if err != nil {
			slog.Debug("display name lookup failed", "user", user, "error", err)
		}
		localpart, _, _ := user.Parse()
		if localpart == "" {
			return string(user)
		}
		return localpart
	}
	c.names.Add(user, resp.DisplayName)
	return resp.DisplayName
}

func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.client.UserID) {
		// Someone else's name may have changed.
		c.names.Remove(evt.Sender)
		return
	}

	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if !c.config.Filter.AllowSender(string(evt.Sender)) {
		slog.Warn("rejecting invite from unauthorized user", "sender", evt.Sender)
		return
	}

	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

// --- Credentials ---

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(c.credFile, data, 0o600); err != nil {
		slog.Warn("failed to save matrix credentials", "error", err)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
