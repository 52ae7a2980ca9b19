// ABOUTME: Tests for the subprocess generator using small shell scripts
// ABOUTME: Covers argument passing, stream order, exit failures, policy and Close

package agent

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates an executable shell script and a generator running it.
func writeScript(t *testing.T, body string) *ProcessGenerator {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return NewProcessGenerator("/bin/sh", []string{path}, nil)
}

func drain(t *testing.T, s Stream) ([]*Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var msgs []*Message
	for {
		msg, err := s.Next(ctx)
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
}

func TestProcessGenerator_StreamsMessagesInOrder(t *testing.T) {
	gen := writeScript(t, `
echo '{"type":"system","subtype":"init","session_id":"ext-1"}'
echo 'some log noise'
echo '{"type":"assistant","session_id":"ext-1","message":{"role":"assistant","content":[{"type":"text","text":"one"}]}}'
echo ''
echo '{"type":"assistant","session_id":"ext-1","message":{"role":"assistant","content":[{"type":"text","text":"two"}]}}'
echo '{"type":"result","subtype":"success","result":"done","session_id":"ext-1"}'
`)
	stream, err := gen.Query(context.Background(), Request{Prompt: "hi", WorkDir: t.TempDir()})
	require.NoError(t, err)
	defer stream.Close()

	msgs, err := drain(t, stream)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, msgs, 4)
	assert.Equal(t, TypeSystem, msgs[0].Type)
	assert.Equal(t, "one", msgs[1].Content[0].Text)
	assert.Equal(t, "two", msgs[2].Content[0].Text)
	assert.True(t, msgs[3].Succeeded())
}

func TestProcessGenerator_PassesArgumentsAndWorkDir(t *testing.T) {
	gen := writeScript(t, `
echo "$@" > args.txt
echo "$COVEN_WORKSPACE_ROOT" > root.txt
echo '{"type":"result","subtype":"success"}'
`)
	dir := t.TempDir()
	policy, err := NewPolicy(dir)
	require.NoError(t, err)

	stream, err := gen.Query(context.Background(), Request{
		Prompt:   "Write README",
		Resume:   "ext-9",
		WorkDir:  dir,
		MaxTurns: 7,
		Policy:   policy,
	})
	require.NoError(t, err)
	_, err = drain(t, stream)
	require.ErrorIs(t, err, io.EOF)

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "-p Write README --output-format stream-json --resume ext-9 --max-turns 7")

	root, err := os.ReadFile(filepath.Join(dir, "root.txt"))
	require.NoError(t, err)
	assert.Equal(t, policy.Root, strings.TrimSpace(string(root)))
}

func TestProcessGenerator_ExitWithoutResultIsError(t *testing.T) {
	gen := writeScript(t, `
echo '{"type":"system","subtype":"init","session_id":"ext-1"}'
echo 'model overloaded' >&2
exit 3
`)
	stream, err := gen.Query(context.Background(), Request{Prompt: "hi", WorkDir: t.TempDir()})
	require.NoError(t, err)
	defer stream.Close()

	msgs, err := drain(t, stream)
	require.Len(t, msgs, 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, io.EOF))
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestProcessGenerator_PolicyViolationEndsStream(t *testing.T) {
	gen := writeScript(t, `
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Write","input":{"file_path":"/etc/passwd"}}]}}'
sleep 5
`)
	dir := t.TempDir()
	policy, err := NewPolicy(dir)
	require.NoError(t, err)

	stream, err := gen.Query(context.Background(), Request{Prompt: "hi", WorkDir: dir, Policy: policy})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrPolicyViolation)

	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestProcessGenerator_CloseStopsProcess(t *testing.T) {
	gen := writeScript(t, `
echo '{"type":"system","subtype":"init","session_id":"ext-1"}'
sleep 30
`)
	stream, err := gen.Query(context.Background(), Request{Prompt: "hi", WorkDir: t.TempDir()})
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProcessGenerator_NextHonorsContext(t *testing.T) {
	gen := writeScript(t, "sleep 30\n")
	stream, err := gen.Query(context.Background(), Request{Prompt: "hi", WorkDir: t.TempDir()})
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessGenerator_RequiresCommand(t *testing.T) {
	_, err := NewProcessGenerator("", nil, nil).Query(context.Background(), Request{})
	assert.Error(t, err)
}

func TestTailBuffer_KeepsTail(t *testing.T) {
	tb := &tailBuffer{max: 5}
	_, _ = tb.Write([]byte("hello "))
	_, _ = tb.Write([]byte("world"))
	assert.Equal(t, "world", tb.String())
}
