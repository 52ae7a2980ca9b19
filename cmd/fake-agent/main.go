// ABOUTME: Minimal fake agent for local runs: prints stream-JSON echo replies on stdout.
// ABOUTME: Usage: fake-agent -p "prompt" --output-format stream-json [--resume id] [--max-turns n]
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-queue/internal/agent"
)

func main() {
	prompt := flag.String("p", "", "Prompt to answer")
	format := flag.String("output-format", "stream-json", "Output format (only stream-json)")
	resume := flag.String("resume", "", "Conversation id to continue")
	maxTurns := flag.Int("max-turns", 0, "Maximum turns (0 = unlimited)")
	delay := flag.Duration("delay", 50*time.Millisecond, "Pause between streamed messages")
	flag.Parse()

	if *format != "stream-json" {
		log.Fatalf("unsupported output format %q", *format)
	}
	if *prompt == "" {
		log.Fatal("-p is required")
	}

	if err := run(*prompt, *resume, *maxTurns, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(prompt, resume string, maxTurns int, delay time.Duration) error {
	out := bufio.NewWriter(os.Stdout)
	emit := func(msg *agent.Message) error {
		line, err := agent.EncodeMessage(msg)
		if err != nil {
			return err
		}
		out.Write(line)
		out.WriteByte('\n')
		if err := out.Flush(); err != nil {
			return fmt.Errorf("writing stdout: %w", err)
		}
		time.Sleep(delay)
		return nil
	}

	// A resumed conversation keeps its id unless the caller asks for a fork.
	sessionID := resume
	if sessionID == "" || strings.Contains(strings.ToLower(prompt), "fork") {
		sessionID = uuid.New().String()
	}

	if err := emit(&agent.Message{Type: agent.TypeSystem, Subtype: agent.SubtypeInit, SessionID: sessionID}); err != nil {
		return err
	}

	turns := 1
	lower := strings.ToLower(prompt)
	if strings.Contains(lower, "tool") {
		toolID := "toolu_" + uuid.New().String()[:8]
		if err := emit(&agent.Message{
			Type:      agent.TypeAssistant,
			SessionID: sessionID,
			Content: []agent.ContentItem{
				{Type: agent.ContentText, Text: "Let me look at the workspace."},
				{Type: agent.ContentToolUse, ID: toolID, Name: "Read", Input: []byte(`{"file_path":"README.md"}`)},
			},
		}); err != nil {
			return err
		}
		if err := emit(&agent.Message{
			Type:      agent.TypeUser,
			SessionID: sessionID,
			Content: []agent.ContentItem{
				{Type: agent.ContentToolResult, ToolUseID: toolID, Content: []byte(`"# README"`)},
			},
		}); err != nil {
			return err
		}
		turns++
	}

	if maxTurns > 0 && turns > maxTurns {
		return emit(&agent.Message{
			Type:      agent.TypeResult,
			Subtype:   agent.SubtypeErrorMaxTurns,
			SessionID: sessionID,
			IsError:   true,
			NumTurns:  maxTurns,
		})
	}

	if strings.Contains(lower, "fail") {
		return emit(&agent.Message{
			Type:      agent.TypeResult,
			Subtype:   agent.SubtypeErrorDuringExecution,
			SessionID: sessionID,
			Result:    "simulated failure",
			IsError:   true,
			NumTurns:  turns,
		})
	}

	reply := echoReply(prompt)
	if err := emit(&agent.Message{
		Type:      agent.TypeAssistant,
		SessionID: sessionID,
		Content:   []agent.ContentItem{{Type: agent.ContentText, Text: reply}},
	}); err != nil {
		return err
	}

	return emit(&agent.Message{
		Type:      agent.TypeResult,
		Subtype:   agent.SubtypeSuccess,
		SessionID: sessionID,
		Result:    reply,
		NumTurns:  turns,
	})
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
