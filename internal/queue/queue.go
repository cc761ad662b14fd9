// Package queue carries campaign start commands from the API to the campaign
// workers. SQS in deployment, an in-memory queue in tests and single-node
// runs. Decoding happens inside the transport, so consumers only ever see
// well-formed commands.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// StartCommand asks a worker to claim and run a campaign.
type StartCommand struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaignId"`
	ClientID   string `json:"clientId"`
}

// Delivery is one received command plus the transport receipt needed to
// acknowledge it.
type Delivery struct {
	Command StartCommand
	receipt string
}

// Queue is the transport behind campaign launches.
type Queue interface {
	// PublishStart enqueues a command, minting an ID when absent.
	PublishStart(ctx context.Context, cmd StartCommand) error
	// ReceiveStarts waits up to waitSeconds for at most max commands. A
	// payload that does not decode is dropped by the transport, never
	// surfaced.
	ReceiveStarts(ctx context.Context, max, waitSeconds int) ([]Delivery, error)
	// Ack removes a delivered command so it is not redelivered.
	Ack(ctx context.Context, d Delivery) error
}

func prepareStart(cmd StartCommand) (StartCommand, error) {
	if cmd.CampaignID == "" {
		return StartCommand{}, fmt.Errorf("queue: start command missing campaignId")
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	return cmd, nil
}

func encodeStart(cmd StartCommand) (string, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("queue: encode start command: %w", err)
	}
	return string(body), nil
}

func decodeStart(body string) (StartCommand, error) {
	var cmd StartCommand
	if err := json.Unmarshal([]byte(body), &cmd); err != nil {
		return StartCommand{}, fmt.Errorf("queue: decode start command: %w", err)
	}
	if cmd.CampaignID == "" {
		return StartCommand{}, fmt.Errorf("queue: start command missing campaignId")
	}
	return cmd, nil
}
