// Package agent talks to the external AI agent that executes queries.
//
// # Overview
//
// The agent is an opaque asynchronous generator of structured messages. A
// Generator opens a Stream for each query; the worker pool iterates it with
// Next until io.EOF:
//
//	stream, err := gen.Query(ctx, agent.Request{
//	    Prompt:  "Write README",
//	    Resume:  session.ExternalSessionID,
//	    WorkDir: root,
//	    Policy:  policy,
//	})
//	defer stream.Close()
//	for {
//	    msg, err := stream.Next(ctx)
//	    if errors.Is(err, io.EOF) {
//	        break
//	    }
//	    ...
//	}
//
// # Messages
//
// A stream starts with a system/init message carrying the agent's conversation
// id, continues with user and assistant messages made of content items (text,
// tool_use, tool_result) and ends with a result message whose subtype tells
// success from failure (error_max_turns, error_during_execution).
//
// # Generators
//
//   - ProcessGenerator runs an agent CLI in the workspace root and decodes its
//     line-delimited stream-JSON output.
//   - ScriptedGenerator replays canned messages for tests and cmd/fake-agent.
//
// # Policy
//
// Policy confines file operations to the workspace root. Streams check every
// tool_use against it and end with ErrPolicyViolation on an escape attempt.
package agent
