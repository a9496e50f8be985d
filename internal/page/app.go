package page

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"formulary/internal/agent"
)

// Options configures a foreground page.
type Options struct {
	// AgentURL is the base URL of the cache agent, e.g. http://localhost:8080.
	AgentURL   string
	DatasetURL string
	Debounce   time.Duration
	Limit      int
	HTTPClient *http.Client
	// OnUpdateWaiting is called when the agent has a new app shell waiting.
	OnUpdateWaiting func(generation string)
	// OnControllerChange is called after the agent claimed this page for a
	// new generation, after the dataset was reloaded.
	OnControllerChange func(generation string)
}

// State is one consistent view of what the page shows.
type State struct {
	Dataset  []Medication
	Index    *Index
	Recent   []Medication
	LoadedAt time.Time
	// Source is the agent's X-Formulary-Cache label of the last load.
	Source string
}

// App is the foreground collaborator of the agent: it loads the dataset
// through the agent, searches it and reacts to agent messages.
type App struct {
	opts   Options
	agent  *url.URL
	client *http.Client
	recent *RecentStore
	log    *zap.Logger

	debounce *Debouncer

	mu    sync.RWMutex
	state State
}

func NewApp(opts Options, recent *RecentStore, log *zap.Logger) (*App, error) {
	u, err := url.Parse(strings.TrimRight(opts.AgentURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("agent url %q: invalid", opts.AgentURL)
	}
	if opts.DatasetURL == "" {
		return nil, errors.New("dataset url is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	a := &App{
		opts:     opts,
		agent:    u,
		client:   client,
		recent:   recent,
		log:      log,
		debounce: NewDebouncer(opts.Debounce),
	}
	a.state.Index = NewIndex(nil, opts.Limit)
	if recent != nil {
		items, err := recent.Load()
		if err != nil {
			log.Warn("load recent", zap.Error(err))
		}
		a.state.Recent = items
	}
	return a, nil
}

func (a *App) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *App) fetchURL() string {
	q := url.Values{"url": {a.opts.DatasetURL}}
	return a.agent.String() + "/__agent/fetch?" + q.Encode()
}

// Refresh loads the dataset through the agent. On any failure the previously
// loaded data stays in place.
func (a *App) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.fetchURL(), nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch dataset: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read dataset: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fetch dataset: status %d", resp.StatusCode)
	}

	meds, err := ParseDataset(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse dataset: %w", err)
	}

	a.mu.Lock()
	a.state.Dataset = meds
	a.state.Index = NewIndex(meds, a.opts.Limit)
	a.state.LoadedAt = time.Now()
	a.state.Source = resp.Header.Get("X-Formulary-Cache")
	a.mu.Unlock()

	a.log.Info("dataset loaded", zap.Int("medications", len(meds)), zap.String("source", resp.Header.Get("X-Formulary-Cache")))
	return nil
}

func (a *App) Search(term string) []Result {
	return a.State().Index.Search(term)
}

// SearchAsYouType coalesces keystrokes: only the last term within the quiet
// interval is searched, and its results go to show.
func (a *App) SearchAsYouType(term string, show func(term string, results []Result)) {
	a.debounce.Call(func() {
		show(term, a.Search(term))
	})
}

// View opens the details of one medication and records it as recently viewed.
func (a *App) View(genericName string) (Medication, bool) {
	a.mu.Lock()
	m, ok := a.state.Index.Find(genericName)
	if !ok {
		a.mu.Unlock()
		return Medication{}, false
	}
	a.state.Recent = PushRecent(a.state.Recent, m, MaxRecent)
	recent := a.state.Recent
	a.mu.Unlock()

	if a.recent != nil {
		if err := a.recent.Save(recent); err != nil {
			a.log.Warn("save recent", zap.Error(err))
		}
	}
	return m, true
}

func (a *App) ClearRecent() error {
	a.mu.Lock()
	a.state.Recent = nil
	a.mu.Unlock()
	if a.recent == nil {
		return nil
	}
	return a.recent.Clear()
}

func (a *App) wsURL() string {
	u := *a.agent
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/__agent/ws"
	return u.String()
}

func (a *App) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.wsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	return conn, nil
}

// Listen keeps a channel open to the agent and applies its messages until ctx
// ends or the connection drops.
func (a *App) Listen(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		var msg agent.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("agent channel: %w", err)
		}
		a.handleMessage(ctx, msg)
	}
}

func (a *App) handleMessage(ctx context.Context, msg agent.Message) {
	switch msg.Type {
	case agent.MsgNewData:
		if err := a.Refresh(ctx); err != nil {
			a.log.Warn("refresh after change notice, keeping previous data", zap.Error(err))
		}
	case agent.MsgUpdateWaiting:
		if a.opts.OnUpdateWaiting != nil {
			a.opts.OnUpdateWaiting(msg.Generation)
		}
	case agent.MsgControllerChange:
		if err := a.Refresh(ctx); err != nil {
			a.log.Warn("reload after controller change", zap.Error(err))
		}
		if a.opts.OnControllerChange != nil {
			a.opts.OnControllerChange(msg.Generation)
		}
	default:
		a.log.Debug("ignoring agent message", zap.String("type", string(msg.Type)))
	}
}

// SkipWaiting asks the agent to activate its waiting generation now.
func (a *App) SkipWaiting(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.WriteJSON(agent.Message{Type: agent.MsgSkipWaiting}); err != nil {
		return fmt.Errorf("send skip-waiting: %w", err)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}
