package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"warstep/plcman"
)

// SSE event type constants.
const (
	eventValueChange  = "value-change"
	eventStatusChange = "status-change"
)

// sseEvent is an internal event for the API event hub. PLC and Tag
// carry the filtering keys alongside the JSON payload in Data.
type sseEvent struct {
	Type string
	PLC  string
	Tag  string
	Data interface{}
}

// ValueUpdate is the JSON payload for value-change events. Tag is the
// published name; Name carries the configured tag name when an alias
// renames it.
type ValueUpdate struct {
	PLC   string      `json:"plc"`
	Tag   string      `json:"tag"`
	Name  string      `json:"name,omitempty"`
	Value interface{} `json:"value"`
	Type  string      `json:"type,omitempty"`
}

// StatusUpdate is the JSON payload for status-change events.
type StatusUpdate struct {
	PLC    string `json:"plc"`
	Status string `json:"status"`
	Mode   string `json:"mode,omitempty"`
	Tags   int    `json:"tags"`
	Error  string `json:"error,omitempty"`
}

// sseClient represents one connected event stream.
type sseClient struct {
	id     string
	events chan sseEvent
}

// eventHub fans events out to connected SSE clients.
type eventHub struct {
	clients    map[string]*sseClient
	register   chan *sseClient
	unregister chan *sseClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*sseClient),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logAPI("event client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// add registers a client. Returns false when the hub has stopped, so
// the handler can refuse the stream instead of blocking forever.
func (h *eventHub) add(client *sseClient) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *eventHub) remove(client *sseClient) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logAPI("event broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// BroadcastChanges converts tag value changes to value-change events.
func (h *eventHub) BroadcastChanges(changes []plcman.ValueChange) {
	if h.ClientCount() == 0 {
		return
	}
	for _, change := range changes {
		update := ValueUpdate{
			PLC:   change.PLCName,
			Tag:   change.PublishName(),
			Value: change.Value,
			Type:  change.TypeName,
		}
		if change.Alias != "" {
			update.Name = change.TagName
		}
		h.Broadcast(sseEvent{
			Type: eventValueChange,
			PLC:  change.PLCName,
			Tag:  update.Tag,
			Data: update,
		})
	}
}

// BroadcastStatus emits a status-change event for every managed PLC.
func (h *eventHub) BroadcastStatus(manager *plcman.Manager) {
	if h.ClientCount() == 0 {
		return
	}
	for _, plc := range manager.ListPLCs() {
		update := StatusUpdate{
			PLC:    plc.Config.Name,
			Status: plc.GetStatus().String(),
			Mode:   plc.GetConnectionMode(),
			Tags:   plc.Group.Len(),
		}
		if err := plc.GetError(); err != nil {
			update.Error = err.Error()
		}
		h.Broadcast(sseEvent{
			Type: eventStatusChange,
			PLC:  update.PLC,
			Data: update,
		})
	}
}

// eventFilter holds the query-parameter filters of one event stream.
type eventFilter struct {
	types map[string]bool
	plc   string
	tags  map[string]bool
}

func splitList(s string) map[string]bool {
	if s == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		out[strings.TrimSpace(part)] = true
	}
	return out
}

func parseEventFilter(q url.Values) eventFilter {
	return eventFilter{
		types: splitList(q.Get("types")),
		plc:   q.Get("plc"),
		tags:  splitList(q.Get("tags")),
	}
}

// match reports whether an event passes the filter. PLC and tag
// filters apply only to events that carry those keys.
func (f eventFilter) match(ev sseEvent) bool {
	if f.types != nil && !f.types[ev.Type] {
		return false
	}
	if f.plc != "" && ev.PLC != "" && ev.PLC != f.plc {
		return false
	}
	if f.tags != nil && ev.Tag != "" && !f.tags[ev.Tag] {
		return false
	}
	return true
}

// handleEvents serves the /events SSE endpoint. Filters: ?types=a,b
// limits event types, ?plc=name limits to one PLC, ?tags=a,b limits
// to named tags.
func (h *handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	filter := parseEventFilter(r.URL.Query())

	client := &sseClient{
		id:     fmt.Sprintf("api-%d", time.Now().UnixNano()),
		events: make(chan sseEvent, 64),
	}
	if !h.hub.add(client) {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	notify := r.Context().Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-notify:
			h.hub.remove(client)
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if !filter.match(event) {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
