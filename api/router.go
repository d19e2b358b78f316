package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"warstep/config"
	"warstep/itemgroup"
	"warstep/kafka"
	"warstep/logging"
	"warstep/plcman"
)

func logAPI(format string, v ...interface{}) {
	logging.DebugLog("api", format, v...)
}

// handlers holds the route handlers and their backend access.
type handlers struct {
	managers Managers
	hub      *eventHub
}

// PLCResponse is the JSON response for PLC info.
type PLCResponse struct {
	Name     string `json:"name"`
	Address  string `json:"address"`
	Rack     int    `json:"rack"`
	Slot     int    `json:"slot"`
	Driver   string `json:"driver"`
	Status   string `json:"status"`
	Mode     string `json:"mode"`
	Error    string `json:"error,omitempty"`
	LastPoll string `json:"last_poll,omitempty"`
}

// PLCDetailsResponse extends PLCResponse with tag and plan info.
type PLCDetailsResponse struct {
	PLCResponse
	Tags         int    `json:"tags"`
	ReadDuration string `json:"read_duration,omitempty"`
}

// HealthResponse is the JSON response for a PLC health check.
type HealthResponse struct {
	PLC       string `json:"plc"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// TagResponse is the JSON response for a tag value. When a tag has an
// alias, Name carries the alias and Address the underlying location.
type TagResponse struct {
	PLC       string      `json:"plc"`
	Name      string      `json:"name"`
	Address   string      `json:"address,omitempty"`
	Type      string      `json:"type,omitempty"`
	Value     interface{} `json:"value"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// PlanPartResponse describes one merged read within a request packet.
type PlanPartResponse struct {
	Area   string   `json:"area"`
	DB     int      `json:"db,omitempty"`
	Start  int      `json:"start"`
	Length int      `json:"length"`
	Tags   []string `json:"tags"`
}

// PlanPacketResponse describes one wire request of the read plan.
type PlanPacketResponse struct {
	Parts []PlanPartResponse `json:"parts"`
}

// PlanResponse is the JSON response for a PLC's packet plan.
type PlanResponse struct {
	PLC          string               `json:"plc"`
	Valid        bool                 `json:"valid"`
	Packets      []PlanPacketResponse `json:"packets"`
	TotalParts   int                  `json:"total_parts"`
	TotalTags    int                  `json:"total_tags"`
	ReadDuration string               `json:"read_duration,omitempty"`
}

// ReadNowResponse is the JSON response for an on-demand read.
type ReadNowResponse struct {
	PLC      string                 `json:"plc"`
	Duration string                 `json:"duration"`
	Tags     map[string]TagResponse `json:"tags"`
}

// WriteRequest is the JSON request body for a tag write.
type WriteRequest struct {
	PLC   string      `json:"plc,omitempty"`
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON response for a tag write.
type WriteResponse struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value,omitempty"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// PublisherStatus summarizes one MQTT or Valkey publisher.
type PublisherStatus struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Running bool   `json:"running"`
}

// PublishersResponse is the JSON response for publisher status.
type PublishersResponse struct {
	MQTT   []PublisherStatus     `json:"mqtt"`
	Valkey []PublisherStatus     `json:"valkey"`
	Kafka  []kafka.ClusterStatus `json:"kafka"`
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logAPI("encode response: %v", err)
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// getPLC resolves the {plc} URL parameter to a managed PLC, writing a
// 404 when it does not exist.
func (h *handlers) getPLC(w http.ResponseWriter, r *http.Request) (*plcman.ManagedPLC, string, bool) {
	name := chi.URLParam(r, "plc")
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	plc := h.managers.GetPLCMan().GetPLC(name)
	if plc == nil {
		h.writeError(w, http.StatusNotFound, "PLC not found")
		return nil, "", false
	}
	return plc, name, true
}

func plcResponse(plc *plcman.ManagedPLC) PLCResponse {
	resp := PLCResponse{
		Name:    plc.Config.Name,
		Address: plc.Config.Address,
		Rack:    plc.Config.Rack,
		Slot:    plc.Config.Slot,
		Driver:  string(plc.Config.GetDriver()),
		Status:  plc.GetStatus().String(),
		Mode:    plc.GetConnectionMode(),
	}
	if err := plc.GetError(); err != nil {
		resp.Error = err.Error()
	}
	if lp := plc.GetLastPoll(); !lp.IsZero() {
		resp.LastPoll = lp.Format(time.RFC3339)
	}
	return resp
}

// tagResponses builds the published-name keyed tag map for a PLC.
// Tags that have not been read yet fall back to their configured
// address and type with a nil value.
func tagResponses(plc *plcman.ManagedPLC, plcName string) map[string]TagResponse {
	values := plc.GetValues()
	out := make(map[string]TagResponse)
	for _, t := range plc.GetTags() {
		if !t.Enabled {
			continue
		}
		published := t.Name
		if t.Alias != "" {
			published = t.Alias
		}
		resp := TagResponse{
			PLC:      plcName,
			Name:     published,
			Writable: t.Writable,
		}
		if tv, ok := values[t.Name]; ok {
			resp.Address = tv.Address
			resp.Type = tv.TypeName
			resp.Value = tv.Value
			resp.Timestamp = tv.Timestamp.Format(time.RFC3339)
		} else {
			resp.Address = t.EffectiveAddress()
			resp.Type = t.Type
		}
		out[plcName+"."+published] = resp
	}
	return out
}

// handleListPLCs returns all managed PLCs.
func (h *handlers) handleListPLCs(w http.ResponseWriter, r *http.Request) {
	plcs := h.managers.GetPLCMan().ListPLCs()
	out := make([]PLCResponse, 0, len(plcs))
	for _, plc := range plcs {
		out = append(out, plcResponse(plc))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// handlePLCDetails returns one PLC with tag and read-plan summary.
func (h *handlers) handlePLCDetails(w http.ResponseWriter, r *http.Request) {
	plc, _, ok := h.getPLC(w, r)
	if !ok {
		return
	}

	resp := PLCDetailsResponse{
		PLCResponse: plcResponse(plc),
		Tags:        plc.Group.Len(),
	}
	if d := plc.LastReadDuration(); d > 0 {
		resp.ReadDuration = d.String()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handlePLCHealth returns a compact online/offline health summary.
func (h *handlers) handlePLCHealth(w http.ResponseWriter, r *http.Request) {
	plc, name, ok := h.getPLC(w, r)
	if !ok {
		return
	}

	status := plc.GetStatus()
	resp := HealthResponse{
		PLC:       name,
		Online:    status == plcman.StatusConnected,
		Status:    status.String(),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if err := plc.GetError(); err != nil {
		resp.Error = err.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleAllTags returns all enabled tags of a PLC with their current
// values, keyed "{plc}.{published name}".
func (h *handlers) handleAllTags(w http.ResponseWriter, r *http.Request) {
	plc, name, ok := h.getPLC(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, tagResponses(plc, name))
}

// handleSingleTag returns the current value of one tag, addressed by
// its configured name or alias.
func (h *handlers) handleSingleTag(w http.ResponseWriter, r *http.Request) {
	plc, name, ok := h.getPLC(w, r)
	if !ok {
		return
	}

	tagName := chi.URLParam(r, "*")
	if decoded, err := url.PathUnescape(tagName); err == nil {
		tagName = decoded
	}

	var match *config.TagConfig
	tags := plc.GetTags()
	for i := range tags {
		t := &tags[i]
		if !t.Enabled {
			continue
		}
		if t.Name == tagName || (t.Alias != "" && t.Alias == tagName) {
			match = t
			break
		}
	}
	if match == nil {
		h.writeError(w, http.StatusNotFound, "tag not found")
		return
	}

	published := match.Name
	if match.Alias != "" {
		published = match.Alias
	}

	tv, found := plc.GetValue(match.Name)
	if !found {
		h.writeError(w, http.StatusNotFound, "no value for tag yet")
		return
	}

	h.writeJSON(w, http.StatusOK, TagResponse{
		PLC:       name,
		Name:      published,
		Address:   tv.Address,
		Type:      tv.TypeName,
		Value:     tv.Value,
		Writable:  match.Writable,
		Timestamp: tv.Timestamp.Format(time.RFC3339),
	})
}

// handlePlan returns the PLC's current packet plan: how the registered
// tags are merged into request parts and packed into wire requests.
func (h *handlers) handlePlan(w http.ResponseWriter, r *http.Request) {
	plc, name, ok := h.getPLC(w, r)
	if !ok {
		return
	}

	packets, valid := plc.Plan()
	resp := PlanResponse{
		PLC:     name,
		Valid:   valid,
		Packets: make([]PlanPacketResponse, 0, len(packets)),
	}
	for _, pkt := range packets {
		pr := PlanPacketResponse{Parts: make([]PlanPartResponse, 0, len(pkt.Parts))}
		for _, part := range pkt.Parts {
			tags := make([]string, 0, len(part.Items))
			for _, item := range part.Items {
				tags = append(tags, item.Name)
			}
			pr.Parts = append(pr.Parts, PlanPartResponse{
				Area:   part.Area.String(),
				DB:     part.DBNumber,
				Start:  part.Start,
				Length: part.Length,
				Tags:   tags,
			})
			resp.TotalParts++
			resp.TotalTags += len(part.Items)
		}
		resp.Packets = append(resp.Packets, pr)
	}
	if d := plc.LastReadDuration(); d > 0 {
		resp.ReadDuration = d.String()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleReadNow triggers an immediate poll of the PLC and returns the
// refreshed values.
func (h *handlers) handleReadNow(w http.ResponseWriter, r *http.Request) {
	plc, name, ok := h.getPLC(w, r)
	if !ok {
		return
	}

	if plc.GetStatus() != plcman.StatusConnected {
		h.writeError(w, http.StatusServiceUnavailable, "PLC not connected")
		return
	}

	if _, err := h.managers.GetPLCMan().ReadNow(name); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, ReadNowResponse{
		PLC:      name,
		Duration: plc.LastReadDuration().String(),
		Tags:     tagResponses(plc, name),
	})
}

// handleWrite writes a value to one tag. The write runs with a timeout
// so a wedged connection cannot hold the request open.
func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	plc, name, ok := h.getPLC(w, r)
	if !ok {
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.PLC != "" && req.PLC != name {
		h.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("PLC name mismatch: URL has '%s', request has '%s'", name, req.PLC))
		return
	}
	if req.Tag == "" {
		h.writeError(w, http.StatusBadRequest, "tag name required")
		return
	}

	if plc.GetStatus() != plcman.StatusConnected {
		h.writeError(w, http.StatusServiceUnavailable, "PLC not connected")
		return
	}

	found, writable := plc.GetTagInfo(req.Tag)
	if !found {
		h.writeError(w, http.StatusNotFound, "tag not found")
		return
	}
	if !writable {
		h.writeError(w, http.StatusForbidden, "tag is not writable")
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- h.managers.GetPLCMan().WriteTag(name, req.Tag, req.Value)
	}()

	var writeErr error
	select {
	case writeErr = <-done:
	case <-time.After(3 * time.Second):
		writeErr = fmt.Errorf("write timeout: PLC did not respond within 3 seconds")
	}

	resp := WriteResponse{
		PLC:       name,
		Tag:       req.Tag,
		Value:     req.Value,
		Success:   writeErr == nil,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	status := http.StatusOK
	if writeErr != nil {
		resp.Error = writeErr.Error()
		status = http.StatusInternalServerError
		if errors.Is(writeErr, itemgroup.ErrWriteNotSupported) {
			status = http.StatusNotImplemented
		}
		logAPI("WRITE %s/%s failed: %v", name, req.Tag, writeErr)
	}
	h.writeJSON(w, status, resp)
}

// handlePublishers returns the status of all configured publishers.
func (h *handlers) handlePublishers(w http.ResponseWriter, r *http.Request) {
	resp := PublishersResponse{
		MQTT:   []PublisherStatus{},
		Valkey: []PublisherStatus{},
		Kafka:  []kafka.ClusterStatus{},
	}

	if mgr := h.managers.GetMQTTMgr(); mgr != nil {
		for _, pub := range mgr.List() {
			resp.MQTT = append(resp.MQTT, PublisherStatus{
				Name:    pub.Name(),
				Address: pub.Address(),
				Running: pub.IsRunning(),
			})
		}
	}
	if mgr := h.managers.GetValkeyMgr(); mgr != nil {
		for _, pub := range mgr.List() {
			resp.Valkey = append(resp.Valkey, PublisherStatus{
				Name:    pub.Name(),
				Address: pub.Address(),
				Running: pub.IsRunning(),
			})
		}
	}
	if mgr := h.managers.GetKafkaMgr(); mgr != nil {
		resp.Kafka = mgr.GetClusterStatus()
	}

	h.writeJSON(w, http.StatusOK, resp)
}
