package protocol

import (
	"sort"
	"time"
)

// Event is a value distributed to every observer. The concrete types below
// form a closed set; EventType names the wire message type.
type Event interface {
	EventType() string
}

// Origin tags where a console record came from.
type Origin string

const (
	OriginStdout  Origin = "stdout"
	OriginStderr  Origin = "stderr"
	OriginSystem  Origin = "system"
	OriginCommand Origin = "command"
)

// ConsoleRecord is one decoded line of process output, or an annotation
// written by the panel itself.
type ConsoleRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Origin    Origin    `json:"origin"`
	Text      string    `json:"text"`
}

// NewRecord stamps a record with the current time.
func NewRecord(origin Origin, text string) ConsoleRecord {
	return ConsoleRecord{
		Timestamp: time.Now().UTC(),
		Origin:    origin,
		Text:      text,
	}
}

// MemoryUsage is host memory in megabytes.
type MemoryUsage struct {
	Used uint64 `json:"used"`
	Max  uint64 `json:"max"`
}

// ServerStatus is the status snapshot of the supervised server.
type ServerStatus struct {
	Running      bool        `json:"running"`
	State        string      `json:"state"`
	Players      []string    `json:"players"`
	TPS          float64     `json:"tps"`
	Memory       MemoryUsage `json:"memory"`
	CPU          float64     `json:"cpu"`
	Uptime       string      `json:"uptime"`
	MaxPlayers   int         `json:"maxPlayers"`
	Port         int         `json:"port"`
	PID          int         `json:"pid,omitempty"`
	ServerPath   string      `json:"serverPath,omitempty"`
	StartedAt    *time.Time  `json:"startTime,omitempty"`
	LastExitCode *int        `json:"lastExitCode,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s ServerStatus) Clone() ServerStatus {
	out := s
	out.Players = append([]string(nil), s.Players...)
	if out.Players == nil {
		out.Players = []string{}
	}
	sort.Strings(out.Players)
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.LastExitCode != nil {
		c := *s.LastExitCode
		out.LastExitCode = &c
	}
	return out
}

func (ServerStatus) EventType() string { return TypeServerStatus }

type ConsoleLine struct {
	ConsoleRecord
}

func (ConsoleLine) EventType() string { return TypeConsoleOutput }

type ConsoleHistory struct {
	Records []ConsoleRecord `json:"records"`
}

func (ConsoleHistory) EventType() string { return TypeConsoleHistory }

type PlayerJoined struct {
	Name string `json:"player"`
}

func (PlayerJoined) EventType() string { return TypePlayerJoin }

type PlayerLeft struct {
	Name string `json:"player"`
}

func (PlayerLeft) EventType() string { return TypePlayerLeave }

type PlayerList struct {
	Names []string `json:"players"`
}

func (PlayerList) EventType() string { return TypePlayerList }

// MetricUpdated carries a new TPS reading.
type MetricUpdated struct {
	Value float64 `json:"value"`
}

func (MetricUpdated) EventType() string { return TypeTPSUpdate }

type CommandResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (CommandResult) EventType() string { return TypeCommandResult }

// ForceLogout is produced by the session layer and only relayed here.
type ForceLogout struct {
	Username string `json:"username,omitempty"`
	Message  string `json:"message"`
}

func (ForceLogout) EventType() string { return TypeForceLogout }
