// SPDX-License-Identifier: MIT
/*
Package control defines the operator command set and the status snapshot
shared by the websocket and UDP surfaces.

Commands are JSON objects:

	{"id":"1","cmd":"stretch","value":1.5}
	{"cmd":"pitch","value":0.5}
	{"cmd":"reload"}
	{"cmd":"start"} / {"cmd":"stop"} / {"cmd":"reset"} / {"cmd":"status"}

Every command gets exactly one Reply echoing its id.
*/
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"livepv/internal/analysis"
)

// Command names.
const (
	CmdStretch = "stretch"
	CmdPitch   = "pitch"
	CmdReload  = "reload"
	CmdStart   = "start"
	CmdStop    = "stop"
	CmdReset   = "reset"
	CmdStatus  = "status"
)

var (
	ErrUnknownCommand = errors.New("control: unknown command")
	ErrMissingValue   = errors.New("control: missing value")
)

// Controller is the surface the pipeline exposes to operators. All methods
// are safe for concurrent use.
type Controller interface {
	SetStretch(factor float64) error
	SetPitch(factor float64) error
	ForceReload() error
	Start() error
	Stop() error
	ResetPhase()
	Status() Status
}

// Command is one inbound request.
type Command struct {
	ID    string   `json:"id,omitempty"`
	Cmd   string   `json:"cmd"`
	Value *float64 `json:"value,omitempty"`
}

// Reply answers one Command.
type Reply struct {
	ID     string  `json:"id,omitempty"`
	Cmd    string  `json:"cmd"`
	OK     bool    `json:"ok"`
	Error  string  `json:"error,omitempty"`
	Status *Status `json:"status,omitempty"`
}

// Build summarizes the latest build attempt.
type Build struct {
	Attempt    int           `json:"attempt"`
	Status     string        `json:"status"`
	Generation uint64        `json:"generation"`
	Duration   time.Duration `json:"duration_ns"`
	Time       time.Time     `json:"time"`
	Error      string        `json:"error,omitempty"`
}

// Status is a point-in-time snapshot of the running pipeline.
type Status struct {
	Time        time.Time       `json:"time"`
	Running     bool            `json:"running"`
	Generation  uint64          `json:"generation"`
	Module      string          `json:"module"`
	ModuleState string          `json:"module_state"`
	Stretch     float64         `json:"stretch"`
	Pitch       float64         `json:"pitch"`
	SampleRate  float64         `json:"sample_rate"`
	Channels    int             `json:"channels"`
	RingFill    float64         `json:"ring_fill"`
	Underruns   uint64          `json:"underruns"`
	Overruns    uint64          `json:"overruns"`
	Hops        uint64          `json:"hops"`
	Violations  uint64          `json:"violations"`
	Swaps       uint64          `json:"swaps"`
	Clipped     uint64          `json:"clipped"`
	PeakHz      float64         `json:"peak_hz"`
	Bands       []analysis.Band `json:"bands,omitempty"`
	LastBuild   *Build          `json:"last_build,omitempty"`
}

// Decode parses one JSON command.
func Decode(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, fmt.Errorf("control: decode command: %w", err)
	}
	cmd.Cmd = strings.ToLower(strings.TrimSpace(cmd.Cmd))
	return cmd, nil
}

// Dispatch runs cmd against c.
func Dispatch(c Controller, cmd Command) Reply {
	reply := Reply{ID: cmd.ID, Cmd: cmd.Cmd}
	err := dispatch(c, cmd, &reply)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.OK = true
	return reply
}

func dispatch(c Controller, cmd Command, reply *Reply) error {
	switch cmd.Cmd {
	case CmdStretch, CmdPitch:
		if cmd.Value == nil {
			return fmt.Errorf("%w for %s", ErrMissingValue, cmd.Cmd)
		}
		if cmd.Cmd == CmdStretch {
			return c.SetStretch(*cmd.Value)
		}
		return c.SetPitch(*cmd.Value)
	case CmdReload:
		return c.ForceReload()
	case CmdStart:
		return c.Start()
	case CmdStop:
		return c.Stop()
	case CmdReset:
		c.ResetPhase()
		return nil
	case CmdStatus:
		s := c.Status()
		reply.Status = &s
		return nil
	default:
		return fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Cmd)
	}
}

// Handle decodes and dispatches a raw message.
func Handle(c Controller, data []byte) Reply {
	cmd, err := Decode(data)
	if err != nil {
		return Reply{Error: err.Error()}
	}
	return Dispatch(c, cmd)
}
