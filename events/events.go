package events

import "uptrack/model"

// Bus carries the three observability signals the check pipeline emits.
// The check-completed signal fires after every check; the incident
// signals only on confirmed transitions. Implementations must be safe
// for concurrent use by probe workers.
type Bus interface {
	CheckCompleted(monitorID uint, check *model.MonitorCheck)
	IncidentOpened(monitorID uint, incident *model.Incident)
	IncidentResolved(monitorID uint, incident *model.Incident)
}

// NopBus discards every signal. Used by the CLI commands and tests.
type NopBus struct{}

func (NopBus) CheckCompleted(uint, *model.MonitorCheck) {}

func (NopBus) IncidentOpened(uint, *model.Incident) {}

func (NopBus) IncidentResolved(uint, *model.Incident) {}
