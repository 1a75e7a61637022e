package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// MatrixConfig configures the Matrix relay bot.
type MatrixConfig struct {
	// Homeserver is the client-server API base URL, e.g. https://matrix.org.
	Homeserver string
	// User is the regular account invited into every per-stash room.
	User string
	// BotUser and BotPassword are the credentials the bot signs in with,
	// e.g. @my-watcher-bot:matrix.org.
	BotUser     string
	BotPassword string
}

// Matrix relays messages over the Matrix client-server API. Each stash gets
// a private room, resolved through a deterministic room alias so rooms are
// reused across restarts.
type Matrix struct {
	logger zerolog.Logger
	http   *http.Client
	cfg    MatrixConfig

	token string
	txn   atomic.Uint64

	mu    sync.Mutex
	rooms map[string]string // stash -> room id
}

// NewMatrix creates a Matrix relay. Call Login before Notify.
func NewMatrix(logger zerolog.Logger, cfg MatrixConfig) *Matrix {
	return &Matrix{
		logger: logger.With().Str("component", "matrix-relay").Logger(),
		http:   &http.Client{Timeout: 30 * time.Second},
		cfg:    cfg,
		rooms:  make(map[string]string),
	}
}

// Login authenticates the bot user and stores the access token.
func (m *Matrix) Login(ctx context.Context) error {
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	err := m.call(ctx, http.MethodPost, "/_matrix/client/r0/login", map[string]any{
		"type":     "m.login.password",
		"user":     m.cfg.BotUser,
		"password": m.cfg.BotPassword,
	}, &resp)
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}
	m.token = resp.AccessToken
	m.logger.Info().Str("bot", m.cfg.BotUser).Msg("Matrix bot signed in")
	return nil
}

// Notify sends one message into the stash's private room.
func (m *Matrix) Notify(ctx context.Context, stash string, message string) error {
	room, err := m.roomFor(ctx, stash)
	if err != nil {
		return &RelayError{Stash: stash, Err: err}
	}

	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/send/m.room.message/%d",
		url.PathEscape(room), m.txn.Add(1))
	err = m.call(ctx, http.MethodPut, path, map[string]any{
		"msgtype": "m.text",
		"body":    message,
	}, nil)
	if err != nil {
		return &RelayError{Stash: stash, Err: err}
	}
	return nil
}

// roomFor resolves the stash's private room, creating it on first use. The
// alias is derived from the stash so the same room is found after a restart.
func (m *Matrix) roomFor(ctx context.Context, stash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room, ok := m.rooms[stash]; ok {
		return room, nil
	}

	aliasLocal := roomAliasLocal(stash)
	alias := fmt.Sprintf("#%s:%s", aliasLocal, m.serverName())

	var lookup struct {
		RoomID string `json:"room_id"`
	}
	err := m.call(ctx, http.MethodGet,
		"/_matrix/client/r0/directory/room/"+url.PathEscape(alias), nil, &lookup)
	if err == nil && lookup.RoomID != "" {
		m.rooms[stash] = lookup.RoomID
		return lookup.RoomID, nil
	}

	var created struct {
		RoomID string `json:"room_id"`
	}
	err = m.call(ctx, http.MethodPost, "/_matrix/client/r0/createRoom", map[string]any{
		"name":            fmt.Sprintf("helmwatch %s", shortStash(stash)),
		"room_alias_name": aliasLocal,
		"preset":          "trusted_private_chat",
		"is_direct":       true,
		"invite":          []string{m.cfg.User},
	}, &created)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}

	m.logger.Info().
		Str("stash", stash).
		Str("room", created.RoomID).
		Msg("Created private notification room")
	m.rooms[stash] = created.RoomID
	return created.RoomID, nil
}

func (m *Matrix) serverName() string {
	// The server name is the domain part of the bot user id.
	if i := strings.LastIndex(m.cfg.BotUser, ":"); i >= 0 {
		return m.cfg.BotUser[i+1:]
	}
	u, err := url.Parse(m.cfg.Homeserver)
	if err != nil {
		return m.cfg.Homeserver
	}
	return u.Host
}

func (m *Matrix) call(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.cfg.Homeserver+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// roomAliasLocal derives a stable, alias-safe local part from a stash.
func roomAliasLocal(stash string) string {
	return "helmwatch-" + strings.ToLower(stash)
}

func shortStash(stash string) string {
	if len(stash) <= 12 {
		return stash
	}
	return stash[:6] + "..." + stash[len(stash)-6:]
}
