package main

import (
	"fmt"

	"github.com/Sanji78/telegram-voip/internal/eventbus"
	"github.com/Sanji78/telegram-voip/internal/server"
)

// lifecycleData extracts the lifecycle payload from a stream message. The
// payload arrives as generic JSON, so fields are pulled out by key.
func lifecycleData(msg server.Message) map[string]any {
	data, _ := msg.Data.(map[string]any)
	return data
}

func describeState(msg server.Message) string {
	data := lifecycleData(msg)
	state, _ := data["state"].(string)
	if state == "" {
		return msg.Type
	}
	if reason, _ := data["reason"].(string); reason != "" {
		return fmt.Sprintf("%s (%s)", state, reason)
	}
	if errMsg, _ := data["error"].(string); errMsg != "" {
		return fmt.Sprintf("%s: %s", state, errMsg)
	}
	return state
}

func isTerminalState(msg server.Message) bool {
	state, _ := lifecycleData(msg)["state"].(string)
	return eventbus.CallState(state).Terminal()
}
