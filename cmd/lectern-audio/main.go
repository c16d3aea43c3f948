package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/lectern/internal/config"
	"github.com/loqalabs/lectern/internal/textprep"
	"github.com/loqalabs/lectern/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'chunk', 'voices' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "chunk":
		err = runChunk(os.Args[2:], os.Stdout)
	case "voices":
		err = runVoices(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runChunk(args []string, out io.Writer) error {
	var (
		configPath string
		maxSize    int
		markdown   bool
		show       bool
	)
	cmd := flag.NewFlagSet("chunk", flag.ExitOnError)
	cmd.StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.IntVar(&maxSize, "max", 0, "Maximum chunk size in characters (defaults to tts.max_chunk_size)")
	cmd.BoolVar(&markdown, "markdown", false, "Render bodies as markdown before stripping markup")
	cmd.BoolVar(&show, "show", false, "Print every chunk")
	cmd.Parse(args)
	if cmd.NArg() != 1 {
		return fmt.Errorf("usage: lectern-audio chunk [flags] <file>")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if maxSize <= 0 {
		maxSize = cfg.TTS.MaxChunkSize
	}

	path := cmd.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// JSON files carry chapter content in any of the accepted shapes.
	var content any = string(data)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &content); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	text, err := textprep.Normalize(content, textprep.Options{Markdown: markdown})
	if err != nil {
		return err
	}

	chunks := textprep.Chunk(text, maxSize)
	longest := 0
	for _, c := range chunks {
		longest = max(longest, len(c))
	}
	fmt.Fprintf(out, "characters: %d\nchunks: %d\nmax chunk size: %d\nlongest chunk: %d\n",
		len(text), len(chunks), maxSize, longest)
	if show {
		for i, c := range chunks {
			fmt.Fprintf(out, "\n--- chunk %d (%d chars) ---\n%s\n", i+1, len(c), c)
		}
	}
	return nil
}

func runVoices(args []string, out io.Writer) error {
	var configPath string
	cmd := flag.NewFlagSet("voices", flag.ExitOnError)
	cmd.StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	voices := tts.NewVoices(cfg.TTS.Voices, cfg.TTS.Voice)
	for _, name := range voices.Names() {
		marker := ""
		if name == voices.Default() {
			marker = " (default)"
		}
		fmt.Fprintf(out, "%s%s\n", name, marker)
	}
	return nil
}
