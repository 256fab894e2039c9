package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/pupteam/pup/internal/config"
	"github.com/pupteam/pup/internal/ipc"
	"github.com/pupteam/pup/internal/supervisor"
)

// busPath finds the running core's endpoint. The config file is consulted
// when present so overrides are honored; otherwise the default location next
// to the (missing) config applies.
func busPath() string {
	if plan, err := config.Load(configPath); err == nil {
		return plan.IPCPath
	}
	dir := filepath.Dir(configPath)
	return filepath.Join(dir, ".pup", "pup.sock")
}

func request(m ipc.Message) (ipc.Message, error) {
	cl, err := ipc.Dial(busPath())
	if err != nil {
		return ipc.Message{}, fmt.Errorf("is a core running here? %w", err)
	}
	defer func() { _ = cl.Close() }()
	return cl.Request(m)
}

// command sends one operator command and surfaces error replies.
func command(typ, id string) error {
	reply, err := request(ipc.Message{Type: typ, ID: id})
	if err != nil {
		return err
	}
	if reply.Type == ipc.TypeError {
		var reason string
		_ = json.Unmarshal(reply.Payload, &reason)
		return fmt.Errorf("%s", reason)
	}
	return nil
}

func fetchStatus() ([]supervisor.Status, error) {
	reply, err := request(ipc.Message{Type: ipc.TypeStatus})
	if err != nil {
		return nil, err
	}
	if reply.Type != ipc.TypeStatus {
		return nil, fmt.Errorf("unexpected reply %q", reply.Type)
	}
	var body struct {
		Processes []supervisor.Status `json:"processes"`
	}
	if err := json.Unmarshal(reply.Payload, &body); err != nil {
		return nil, err
	}
	return body.Processes, nil
}
