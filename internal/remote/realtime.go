package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ChangeType is the kind of row change delivered on a change feed.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
	ChangeAll    ChangeType = "*"
)

// Change is one row change observed on a subscribed table.
type Change struct {
	Type      ChangeType
	Table     string
	Record    json.RawMessage
	OldRecord json.RawMessage
}

// Broadcast is one ephemeral broadcast payload, not backed by a table row.
type Broadcast struct {
	Event   string
	Payload json.RawMessage
}

// frame is the wire envelope for every realtime message.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// Realtime maintains one websocket connection to {base}/realtime/v1 and
// multiplexes per-topic channels over it. Events for one channel are
// delivered in arrival order; nothing is guaranteed across channels.
type Realtime struct {
	wsURL  string
	logger *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*Channel
	ref      int
	cancel   context.CancelFunc
}

// NewRealtime creates a realtime client for the given project base URL.
func NewRealtime(baseURL, anonKey string, logger *zap.Logger) *Realtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	ws := strings.Replace(strings.TrimRight(baseURL, "/"), "http", "ws", 1)
	return &Realtime{
		wsURL:    fmt.Sprintf("%s/realtime/v1/websocket?apikey=%s&vsn=1.0.0", ws, anonKey),
		logger:   logger,
		channels: make(map[string]*Channel),
	}
}

// Connect dials the websocket and starts the read and heartbeat loops.
func (r *Realtime) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, r.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	loopCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.conn = conn
	r.cancel = cancel
	r.mu.Unlock()

	go r.readLoop(loopCtx, conn)
	go r.heartbeatLoop(loopCtx)
	return nil
}

// Close tears the connection down. All channel feeds stop delivering.
func (r *Realtime) Close() error {
	r.mu.Lock()
	conn := r.conn
	cancel := r.cancel
	r.conn = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}

func (r *Realtime) nextRef() string {
	r.ref++
	return strconv.Itoa(r.ref)
}

func (r *Realtime) send(ctx context.Context, f frame) error {
	r.mu.Lock()
	conn := r.conn
	if f.Ref == "" {
		f.Ref = r.nextRef()
	}
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("realtime not connected")
	}
	return wsjson.Write(ctx, conn, f)
}

func (r *Realtime) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("realtime read loop ended", zap.Error(err))
			}
			return
		}
		r.mu.Lock()
		ch := r.channels[f.Topic]
		r.mu.Unlock()
		if ch != nil {
			ch.dispatch(f)
		}
	}
}

func (r *Realtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f := frame{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`)}
			if err := r.send(ctx, f); err != nil {
				r.logger.Warn("realtime heartbeat failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// ChannelOptions configure a channel at join time.
type ChannelOptions struct {
	// BroadcastSelf controls whether the sender's own broadcasts are echoed
	// back. Typing channels leave this off.
	BroadcastSelf bool
}

// changeBinding is one postgres_changes subscription within a channel.
type changeBinding struct {
	event  ChangeType
	table  string
	filter string
	ch     chan Change
	closed bool
}

// Channel is a single realtime topic: row-change bindings plus broadcasts.
type Channel struct {
	topic string
	opts  ChannelOptions
	rt    *Realtime

	mu         sync.Mutex
	changes    []*changeBinding
	broadcasts map[string][]chan Broadcast
}

// Channel returns (creating if needed) the channel for a topic.
func (r *Realtime) Channel(topic string, opts ChannelOptions) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[topic]; ok {
		return ch
	}
	ch := &Channel{
		topic:      topic,
		opts:       opts,
		rt:         r,
		broadcasts: make(map[string][]chan Broadcast),
	}
	r.channels[topic] = ch
	return ch
}

// RemoveChannel leaves the topic and drops all of its feeds. Feeds stop
// receiving before RemoveChannel returns.
func (r *Realtime) RemoveChannel(ctx context.Context, ch *Channel) {
	r.mu.Lock()
	delete(r.channels, ch.topic)
	r.mu.Unlock()

	ch.mu.Lock()
	for _, b := range ch.changes {
		if !b.closed {
			b.closed = true
			close(b.ch)
		}
	}
	ch.changes = nil
	for _, subs := range ch.broadcasts {
		for _, c := range subs {
			close(c)
		}
	}
	ch.broadcasts = make(map[string][]chan Broadcast)
	ch.mu.Unlock()

	_ = r.send(ctx, frame{Topic: ch.topic, Event: "phx_leave", Payload: json.RawMessage(`{}`)})
}

// OnChange registers a row-change feed on the channel. Must be called before
// Subscribe. The returned cancel detaches the feed and closes its channel.
func (ch *Channel) OnChange(event ChangeType, table, filter string, buf int) (<-chan Change, func()) {
	b := &changeBinding{event: event, table: table, filter: filter, ch: make(chan Change, buf)}
	ch.mu.Lock()
	ch.changes = append(ch.changes, b)
	ch.mu.Unlock()

	cancel := func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		for i, cur := range ch.changes {
			if cur == b {
				ch.changes = append(ch.changes[:i], ch.changes[i+1:]...)
				break
			}
		}
		if !b.closed {
			b.closed = true
			close(b.ch)
		}
	}
	return b.ch, cancel
}

// OnBroadcast registers a broadcast feed for one event name.
func (ch *Channel) OnBroadcast(event string, buf int) (<-chan Broadcast, func()) {
	c := make(chan Broadcast, buf)
	ch.mu.Lock()
	ch.broadcasts[event] = append(ch.broadcasts[event], c)
	ch.mu.Unlock()

	cancel := func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		subs := ch.broadcasts[event]
		for i, cur := range subs {
			if cur == c {
				ch.broadcasts[event] = append(subs[:i], subs[i+1:]...)
				close(c)
				return
			}
		}
	}
	return c, cancel
}

// Subscribe joins the topic, announcing the registered bindings.
func (ch *Channel) Subscribe(ctx context.Context) error {
	type pgBinding struct {
		Event  string `json:"event"`
		Schema string `json:"schema"`
		Table  string `json:"table"`
		Filter string `json:"filter,omitempty"`
	}
	ch.mu.Lock()
	bindings := make([]pgBinding, 0, len(ch.changes))
	for _, b := range ch.changes {
		bindings = append(bindings, pgBinding{
			Event:  string(b.event),
			Schema: "public",
			Table:  b.table,
			Filter: b.filter,
		})
	}
	ch.mu.Unlock()

	join := map[string]any{
		"config": map[string]any{
			"postgres_changes": bindings,
			"broadcast":        map[string]bool{"self": ch.opts.BroadcastSelf},
		},
	}
	payload, err := json.Marshal(join)
	if err != nil {
		return err
	}
	return ch.rt.send(ctx, frame{Topic: ch.topic, Event: "phx_join", Payload: payload})
}

// SendBroadcast publishes an ephemeral broadcast on the topic.
func (ch *Channel) SendBroadcast(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(map[string]any{
		"type":    "broadcast",
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		return err
	}
	return ch.rt.send(ctx, frame{Topic: ch.topic, Event: "broadcast", Payload: body})
}

func (ch *Channel) dispatch(f frame) {
	switch f.Event {
	case "postgres_changes":
		var body struct {
			Data struct {
				Type      ChangeType      `json:"type"`
				Table     string          `json:"table"`
				Record    json.RawMessage `json:"record"`
				OldRecord json.RawMessage `json:"old_record"`
			} `json:"data"`
		}
		if err := json.Unmarshal(f.Payload, &body); err != nil {
			ch.rt.logger.Warn("bad change payload", zap.String("topic", ch.topic), zap.Error(err))
			return
		}
		change := Change{
			Type:      body.Data.Type,
			Table:     body.Data.Table,
			Record:    body.Data.Record,
			OldRecord: body.Data.OldRecord,
		}
		ch.mu.Lock()
		for _, b := range ch.changes {
			if b.closed || b.table != change.Table {
				continue
			}
			if b.event != ChangeAll && b.event != change.Type {
				continue
			}
			select {
			case b.ch <- change:
			default:
				// Drop on a full feed rather than stall the read loop.
			}
		}
		ch.mu.Unlock()
	case "broadcast":
		var body struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(f.Payload, &body); err != nil {
			ch.rt.logger.Warn("bad broadcast payload", zap.String("topic", ch.topic), zap.Error(err))
			return
		}
		ch.mu.Lock()
		for _, c := range ch.broadcasts[body.Event] {
			select {
			case c <- Broadcast{Event: body.Event, Payload: body.Payload}:
			default:
			}
		}
		ch.mu.Unlock()
	}
}
