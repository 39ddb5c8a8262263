package connector

import (
	"context"
	"fmt"
	"strings"
)

// DefaultTextChunkLimit applies when an adapter does not declare a
// platform cap.
const DefaultTextChunkLimit = 2000

// ChunkText splits text into chunks of at most limit runes, preferring
// newline boundaries. Lines longer than the limit are hard-split on rune
// boundaries.
func ChunkText(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultTextChunkLimit
	}
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= limit {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen == 0 {
			return
		}
		chunks = append(chunks, current.String())
		current.Reset()
		currentLen = 0
	}

	for _, line := range strings.Split(text, "\n") {
		lineRunes := []rune(line)
		if len(lineRunes) > limit {
			flush()
			for _, part := range splitLongLine(lineRunes, limit) {
				chunks = append(chunks, part)
			}
			continue
		}
		// +1 for the newline that rejoins this line to the chunk.
		if currentLen > 0 && currentLen+1+len(lineRunes) > limit {
			flush()
		}
		if currentLen > 0 {
			current.WriteByte('\n')
			currentLen++
		}
		current.WriteString(line)
		currentLen += len(lineRunes)
	}
	flush()
	return chunks
}

func splitLongLine(runes []rune, limit int) []string {
	var parts []string
	for len(runes) > 0 {
		n := limit
		if n > len(runes) {
			n = len(runes)
		}
		parts = append(parts, string(runes[:n]))
		runes = runes[n:]
	}
	return parts
}

// SendReply chunks text to the adapter's platform cap and sends the chunks
// in order. A chunk that fails with formatting enabled is retried exactly
// once as plain text; a second failure aborts the remaining chunks.
func SendReply(ctx context.Context, adapter Adapter, cfg ChannelConfig, target, text, threadID string, markdown bool) error {
	limit := adapter.Descriptor().MaxTextLength
	if limit <= 0 {
		limit = DefaultTextChunkLimit
	}

	for i, chunk := range ChunkText(text, limit) {
		msg := OutboundMessage{
			Target:   target,
			Text:     chunk,
			Markdown: markdown,
			ThreadID: threadID,
		}
		err := adapter.Send(ctx, cfg, msg)
		if err != nil && markdown {
			msg.Markdown = false
			err = adapter.Send(ctx, cfg, msg)
		}
		if err != nil {
			return fmt.Errorf("send chunk %d: %w", i+1, err)
		}
	}
	return nil
}
