package server

import (
	"fmt"
	"time"

	"github.com/zishang520/socket.io/socket"

	"uptrack/model"
)

func monitorRoom(monitorID uint) string {
	return fmt.Sprintf("monitor:%d", monitorID)
}

// SocketBus emits the pipeline's signals to per-monitor socket.io rooms,
// so only subscribers of a monitor's private channel see its events.
type SocketBus struct {
	io *socket.Server
}

func (b *SocketBus) CheckCompleted(monitorID uint, check *model.MonitorCheck) {
	payload := map[string]any{
		"monitor_id":  monitorID,
		"check_id":    check.ID,
		"status":      model.StatusString(check.Status),
		"status_code": check.StatusCode,
		"checked_at":  check.CheckedAt.Format(time.RFC3339),
	}
	if check.ResponseTimeMs != nil {
		payload["response_time_ms"] = *check.ResponseTimeMs
	}
	if check.ErrorMessage != "" {
		payload["error_message"] = check.ErrorMessage
	}
	b.io.To(socket.Room(monitorRoom(monitorID))).Emit("check_completed", payload)
}

func (b *SocketBus) IncidentOpened(monitorID uint, inc *model.Incident) {
	b.io.To(socket.Room(monitorRoom(monitorID))).Emit("incident_opened", map[string]any{
		"monitor_id":  monitorID,
		"incident_id": inc.ID,
		"cause":       inc.Cause,
		"started_at":  inc.StartedAt.Format(time.RFC3339),
	})
}

func (b *SocketBus) IncidentResolved(monitorID uint, inc *model.Incident) {
	payload := map[string]any{
		"monitor_id":  monitorID,
		"incident_id": inc.ID,
		"started_at":  inc.StartedAt.Format(time.RFC3339),
	}
	if inc.EndedAt != nil {
		payload["ended_at"] = inc.EndedAt.Format(time.RFC3339)
	}
	b.io.To(socket.Room(monitorRoom(monitorID))).Emit("incident_resolved", payload)
}
