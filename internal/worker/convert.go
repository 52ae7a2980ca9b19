// ABOUTME: Converts agent content items into persisted message content
// ABOUTME: Tool inputs are kept as raw JSON, tool results flattened to text

package worker

import (
	"github.com/2389/coven-queue/internal/agent"
	"github.com/2389/coven-queue/internal/store"
)

func convertContent(items []agent.ContentItem) []store.ContentItem {
	out := make([]store.ContentItem, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case agent.ContentText:
			out = append(out, store.ContentItem{Type: store.ContentText, Text: item.Text})
		case agent.ContentToolUse:
			out = append(out, store.ContentItem{
				Type:      store.ContentToolUse,
				ToolUseID: item.ID,
				ToolName:  item.Name,
				Input:     string(item.Input),
			})
		case agent.ContentToolResult:
			out = append(out, store.ContentItem{
				Type:      store.ContentToolResult,
				ToolUseID: item.ToolUseID,
				Output:    item.ResultText(),
				IsError:   item.IsError,
			})
		default:
			// Unknown block types (thinking, images) are not persisted
		}
	}
	return out
}
