package server

import (
	"encoding/json"

	"gatehouse/internal/config"
	"gatehouse/internal/domain"
)

// Request payloads

type CreateGateRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type CreateEntryRequest struct {
	Kind         string  `json:"kind" enum:"guest,delivery,cab,service,staff"`
	VisitorName  string  `json:"visitor_name"`
	VisitorPhone *string `json:"visitor_phone,omitempty"`
	VehiclePlate *string `json:"vehicle_plate,omitempty"`
	Building     string  `json:"building,omitempty"`
	Flat         string  `json:"flat"`
}

type RejectEntryRequest struct {
	Reason string `json:"reason,omitempty"`
}

type IssueGatepassRequest struct {
	Kind         string `json:"kind" enum:"guest,delivery,cab,service,staff"`
	VisitorName  string `json:"visitor_name"`
	VisitorPhone string `json:"visitor_phone,omitempty"`
	Building     string `json:"building,omitempty"`
	Flat         string `json:"flat"`
	ValidFrom    string `json:"valid_from" format:"date-time"`
	ValidUntil   string `json:"valid_until" format:"date-time"`
	Reusable     bool   `json:"reusable,omitempty"`
}

type UpsertResidentRequest struct {
	ID       string `json:"id"`
	Building string `json:"building,omitempty"`
	Flat     string `json:"flat"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
}

// Response payloads

type EntryResponse struct {
	domain.GateEntry
	StateLabel string `json:"state_label"`
	LegacyKind string `json:"legacy_kind" enum:"GUEST,DELIVERY,MAINTENANCE,OTHER"`
}

func entryResponse(e domain.GateEntry) EntryResponse {
	return EntryResponse{
		GateEntry:  e,
		StateLabel: domain.StateLabel(e.State),
		LegacyKind: domain.LegacyKind(e.Kind),
	}
}

func mapEntries(items []domain.GateEntry) []EntryResponse {
	out := make([]EntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, entryResponse(e))
	}
	return out
}

type GateConfigResponse struct {
	GateID             string `json:"gate_id"`
	Name               string `json:"name"`
	RingTimeoutSeconds int    `json:"ring_timeout_seconds"`
	MaxAttempts        int    `json:"max_attempts"`
	SweepEverySeconds  int    `json:"sweep_every_seconds"`
	NotifyChannel      string `json:"notify_channel"`
}

func configResponse(cfg *config.Config) GateConfigResponse {
	out := GateConfigResponse{}
	if cfg == nil {
		return out
	}
	out.GateID = cfg.Gate.ID
	out.Name = cfg.Gate.Name
	out.RingTimeoutSeconds = cfg.Lifecycle.RingTimeoutSeconds
	out.MaxAttempts = cfg.Lifecycle.MaxAttempts
	out.SweepEverySeconds = cfg.Lifecycle.SweepEverySeconds
	out.NotifyChannel = cfg.Notify.Channel
	if out.NotifyChannel == "" {
		out.NotifyChannel = "console"
	}
	return out
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	GateID     string         `json:"gate_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	out := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		GateID:     evt.GateID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &out.Payload)
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		out = append(out, eventResponse(evt))
	}
	return out
}
