package tts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExecSynthConcatenatesParts(t *testing.T) {
	script := filepath.Join(t.TempDir(), "speak.sh")
	body := "#!/bin/sh\ncat > /dev/null\n" +
		"echo '{\"audio_base64\":\"YWJj\"}'\n" +
		"echo '{\"audio_base64\":\"ZGVm\",\"final\":true}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	synth, err := NewExecSynth("sh " + script)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	speech, err := synth.Synthesize(context.Background(), Request{Text: "hello", Voice: "nova"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(speech.Audio) != "abcdef" {
		t.Fatalf("expected joined audio, got %q", speech.Audio)
	}
}

func TestExecSynthEmptyText(t *testing.T) {
	synth, err := NewExecSynth("true")
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	if _, err := synth.Synthesize(context.Background(), Request{}); err != ErrEmptyText {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestExecSynthReportsFailures(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"reported error": "cat > /dev/null\necho '{\"error\":\"voice missing\"}'\n",
		"exit status":    "cat > /dev/null\necho 'engine crashed' >&2\nexit 3\n",
		"no audio":       "cat > /dev/null\necho '{\"final\":true}'\n",
		"bad json":       "cat > /dev/null\necho 'not json'\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			script := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".sh")
			if err := os.WriteFile(script, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
				t.Fatalf("write script: %v", err)
			}
			synth, err := NewExecSynth("sh " + script)
			if err != nil {
				t.Fatalf("new exec synth: %v", err)
			}
			if _, err := synth.Synthesize(context.Background(), Request{Text: "hello"}); err == nil {
				t.Fatal("expected synthesis to fail")
			}
		})
	}
}

func TestExecSynthStderrInError(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fail.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ncat > /dev/null\necho 'model not loaded' >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	synth, err := NewExecSynth("sh " + script)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	_, err = synth.Synthesize(context.Background(), Request{Text: "hello"})
	if err == nil || !strings.Contains(err.Error(), "model not loaded") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}
