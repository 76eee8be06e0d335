package mqtt

import (
	"fmt"
	"strings"

	"github.com/kilianp07/ridedispatch/core/messages"
)

// Topics builds the topic layout under a common prefix:
//
//	<prefix>/pullers/<puller_id>/<kind>   targeted outbound messages
//	<prefix>/broadcast/<kind>             broadcast outbound messages
//	<prefix>/commands/<command>           inbound commands
type Topics struct {
	Prefix string
}

// Puller returns the topic for a message addressed to one puller.
func (t Topics) Puller(pullerID string, kind messages.Kind) string {
	return fmt.Sprintf("%s/pullers/%s/%s", t.Prefix, pullerID, kind)
}

// Broadcast returns the topic for a broadcast message.
func (t Topics) Broadcast(kind messages.Kind) string {
	return fmt.Sprintf("%s/broadcast/%s", t.Prefix, kind)
}

// Command returns the topic an inbound command of kind is published on.
func (t Topics) Command(kind messages.CommandKind) string {
	return fmt.Sprintf("%s/commands/%s", t.Prefix, kind)
}

// CommandFilter is the subscription filter matching every command topic.
func (t Topics) CommandFilter() string {
	return t.Prefix + "/commands/+"
}

// DecodeCommand decodes an inbound payload. A full envelope is accepted on
// any command topic; a bare payload takes its kind from the topic.
func (t Topics) DecodeCommand(topic string, payload []byte) (messages.Command, error) {
	if cmd, err := messages.DecodeEnvelope(payload); err == nil {
		return cmd, nil
	}
	prefix := t.Prefix + "/commands/"
	if !strings.HasPrefix(topic, prefix) {
		return nil, fmt.Errorf("topic %q: %w", topic, messages.ErrInvalidCommand)
	}
	return messages.DecodeCommand(messages.CommandKind(strings.TrimPrefix(topic, prefix)), payload)
}
