package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/cblk-core/internal/audit"
	"github.com/nerrad567/cblk-core/internal/blockdev"
)

// maxAttrValueSize bounds attribute write bodies. Attribute values are
// single decimal integers; anything larger is malformed.
const maxAttrValueSize = 64

// deviceSummary is the JSON representation of a device in list/get responses.
type deviceSummary struct {
	Name        string `json:"name"`
	Initialized bool   `json:"initialized"`
	Capacity    uint64 `json:"capacity"`
	PageSize    uint64 `json:"page_size"`
}

// deviceStats is the JSON stats view for a single device.
type deviceStats struct {
	Device           string            `json:"device"`
	Initialized      bool              `json:"initialized"`
	Capacity         uint64            `json:"capacity"`
	Counters         map[string]uint64 `json:"counters"`
	OrigDataSize     uint64            `json:"orig_data_size"`
	ComprDataSize    uint64            `json:"compr_data_size"`
	MemUsedTotal     uint64            `json:"mem_used_total"`
	InvariantTripped bool              `json:"invariant_tripped"`
}

// handleListDevices returns summaries for all managed devices.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.manager.List()
	out := make([]deviceSummary, 0, len(devices))
	for _, dev := range devices {
		out = append(out, summarise(dev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

// handleGetDevice returns a single device summary.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, summarise(dev))
}

// handleDeviceStats returns the full stats view for one device.
func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statsFor(dev))
}

// handleAllDeviceStats returns the stats view for every device.
func (s *Server) handleAllDeviceStats(w http.ResponseWriter, _ *http.Request) {
	devices := s.manager.List()
	out := make([]deviceStats, 0, len(devices))
	for _, dev := range devices {
		out = append(out, statsFor(dev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

// handleListAttrs returns the attribute names a device exposes.
func (s *Server) handleListAttrs(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}

	attrs := dev.Attrs()
	names := make([]string, 0, len(attrs))
	for _, a := range attrs {
		names = append(names, a.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"attrs": names})
}

// handleReadAttr returns a single attribute value as text/plain.
// Values are decimal integers followed by a newline, so the endpoint
// composes cleanly with curl and shell pipelines.
func (s *Server) handleReadAttr(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}

	name := chi.URLParam(r, "name")
	value, err := dev.ReadAttr(name)
	if err != nil {
		s.writeAttrError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response
	io.WriteString(w, value+"\n")
}

// handleWriteAttr writes a single attribute from a text/plain body.
// Capacity and reset writes are audited, including refusals.
func (s *Server) handleWriteAttr(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.deviceFromRequest(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	// Read one byte past the limit so truncation is detectable: a body
	// that exceeds the limit is malformed, not silently shortened.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAttrValueSize+1))
	if err != nil {
		writeBadRequest(w, "reading request body")
		return
	}
	if len(body) > maxAttrValueSize {
		writeBadRequest(w, "attribute value too long")
		return
	}
	value := strings.TrimSpace(string(body))

	err = dev.WriteAttr(r.Context(), name, value)
	s.auditAttrWrite(r, dev.Name(), name, value, err)
	if err != nil {
		s.writeAttrError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// auditAttrWrite records control-plane attribute writes to the audit trail.
// Only lifecycle attributes are audited; there are no other writable attrs
// today, but the filter keeps that explicit.
func (s *Server) auditAttrWrite(r *http.Request, device, attr, value string, writeErr error) {
	var action string
	switch attr {
	case "capacity":
		action = audit.ActionSetCapacity
	case "reset":
		action = audit.ActionReset
	default:
		return
	}

	outcome := audit.OutcomeSuccess
	switch {
	case writeErr == nil:
	case errors.Is(writeErr, blockdev.ErrBusy), errors.Is(writeErr, blockdev.ErrAlreadyActive):
		outcome = audit.OutcomeDenied
	default:
		outcome = audit.OutcomeError
	}

	var userID string
	if claims := claimsFromContext(r.Context()); claims != nil {
		userID = claims.Subject
	}

	details := map[string]any{"value": value}
	if writeErr != nil {
		details["error"] = writeErr.Error()
	}

	s.auditLog(action, "device", device, userID, outcome, details)
}

// writeAttrError maps attribute errors onto HTTP status codes.
func (s *Server) writeAttrError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, blockdev.ErrUnknownAttribute):
		writeNotFound(w, "unknown attribute")
	case errors.Is(err, blockdev.ErrAttributeReadOnly):
		writeMethodNotAllowed(w, "attribute is read-only")
	case errors.Is(err, blockdev.ErrAttributeWriteOnly):
		writeMethodNotAllowed(w, "attribute is write-only")
	case errors.Is(err, blockdev.ErrInvalidArgument):
		writeBadRequest(w, err.Error())
	case errors.Is(err, blockdev.ErrAlreadyActive):
		writeConflict(w, "device is already active")
	case errors.Is(err, blockdev.ErrBusy):
		writeConflict(w, "device has open handles")
	default:
		s.logger.Error("attribute operation failed", "error", err)
		writeInternalError(w, "attribute operation failed")
	}
}

// deviceFromRequest resolves the {id} URL parameter to a device, writing
// a 404 response when it does not exist.
func (s *Server) deviceFromRequest(w http.ResponseWriter, r *http.Request) (*blockdev.Device, bool) {
	id := chi.URLParam(r, "id")
	dev, err := s.manager.Get(id)
	if err != nil {
		writeNotFound(w, "device not found")
		return nil, false
	}
	return dev, true
}

func summarise(dev *blockdev.Device) deviceSummary {
	return deviceSummary{
		Name:        dev.Name(),
		Initialized: dev.Initialized(),
		Capacity:    dev.Capacity(),
		PageSize:    dev.PageSize(),
	}
}

func statsFor(dev *blockdev.Device) deviceStats {
	return deviceStats{
		Device:           dev.Name(),
		Initialized:      dev.Initialized(),
		Capacity:         dev.Capacity(),
		Counters:         dev.Counters().SnapshotAll(),
		OrigDataSize:     dev.OrigDataSize(),
		ComprDataSize:    dev.ComprDataSize(),
		MemUsedTotal:     dev.MemUsedTotal(),
		InvariantTripped: dev.Counters().InvariantTripped(),
	}
}
