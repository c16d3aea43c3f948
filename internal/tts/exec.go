package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	argv   []string
	format string
}

type execRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Format string `json:"format"`
}

// execPart is one line of command output.
type execPart struct {
	AudioBase64 string `json:"audio_base64"`
	ContentType string `json:"content_type,omitempty"`
	Final       bool   `json:"final"`
	Error       string `json:"error,omitempty"`
}

// NewExecSynth runs command once per request, writing a JSON request on stdin and
// reading newline-delimited JSON audio parts from stdout.
func NewExecSynth(command string) (Synthesizer, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command is empty")
	}
	return &execSynth{argv: argv, format: "mp3"}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (*Speech, error) {
	if req.Text == "" {
		return nil, ErrEmptyText
	}
	input, err := json.Marshal(execRequest{Text: req.Text, Voice: req.Voice, Format: e.format})
	if err != nil {
		return nil, err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tts command: %w", err)
	}

	speech, readErr := readParts(stdout)
	// Whatever the command still writes is discarded so Wait cannot block on a full pipe.
	_, _ = io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("tts command failed: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("tts command failed: %w", err)
	}
	if readErr != nil {
		return nil, readErr
	}
	if len(speech.Audio) == 0 {
		return nil, errors.New("tts command produced no audio")
	}
	return speech, nil
}

func readParts(r io.Reader) (*Speech, error) {
	speech := &Speech{ContentType: "audio/mpeg"}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 32<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var part execPart
		if err := json.Unmarshal(line, &part); err != nil {
			return nil, fmt.Errorf("decode tts output: %w", err)
		}
		if part.Error != "" {
			return nil, fmt.Errorf("tts command: %s", part.Error)
		}
		audio, err := base64.StdEncoding.DecodeString(part.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("decode tts audio: %w", err)
		}
		speech.Audio = append(speech.Audio, audio...)
		if part.ContentType != "" {
			speech.ContentType = part.ContentType
		}
		if part.Final {
			return speech, nil
		}
	}
	return speech, scanner.Err()
}
