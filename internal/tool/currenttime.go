package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CurrentTimeTool reports the current time, optionally in a named IANA
// time zone.
type CurrentTimeTool struct{}

func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{}
}

func (t *CurrentTimeTool) Name() string {
	return "current_time"
}

func (t *CurrentTimeTool) Description() string {
	return "Get the current date and time. Optionally pass an IANA timezone name such as Europe/Berlin."
}

func (t *CurrentTimeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {
				"type": "string",
				"description": "IANA timezone name, defaults to UTC"
			}
		}
	}`)
}

func (t *CurrentTimeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return "", fmt.Errorf("parse arguments: %w", err)
		}
	}

	loc := time.UTC
	if params.Timezone != "" {
		parsed, err := time.LoadLocation(params.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", params.Timezone)
		}
		loc = parsed
	}
	return time.Now().In(loc).Format("Monday, 2 January 2006 15:04:05 MST"), nil
}
