// Command amira-console is an interactive console for talking to the
// engine locally. It runs the full pipeline in-process (extraction,
// session tracking, composition) without the HTTP surface, which makes
// it the quickest way to exercise a provider or a store backend.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"

	"github.com/amira-dev/amira"
)

var (
	configFile   = flag.String("config", "", "Configuration file (defaults to mock provider, memory store)")
	patientID    = flag.String("patient", "console", "Patient ID for this conversation")
	providerName = flag.String("provider", "", "Provider override (gemini, openai, mock)")
)

func main() {
	flag.Parse()

	cfg := amira.DefaultConfig()
	if *configFile != "" {
		loaded, err := amira.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *providerName != "" {
		cfg.Provider.Name = *providerName
	}

	ctx := context.Background()
	engine, err := amira.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer engine.Close()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyFile := filepath.Join(os.TempDir(), ".amira_console_history")
	if f, err := os.Open(historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Printf("AMIRA console (provider=%s, store=%s, patient=%s)\n",
		cfg.Provider.Name, cfg.Store.Backend, *patientID)
	fmt.Println("Commands: /close, /report, /quit")

	for {
		input, err := line.Prompt("you> ")
		if err != nil {
			fmt.Println()
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch input {
		case "/quit", "/exit":
			return
		case "/close":
			sess, err := engine.CloseSession(ctx, *patientID)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("closed session %s (%d messages)\n", sess.ID, sess.Summary.MessageCount)
		case "/report":
			now := time.Now()
			rep, err := engine.BuildReport(ctx, *patientID, now.Add(-24*time.Hour), now)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			out, err := json.MarshalIndent(rep, "", "  ")
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println(string(out))
		default:
			reply, err := engine.HandleMessage(ctx, *patientID, input)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			if reply.SessionStarted {
				fmt.Printf("[new session %s]\n", reply.SessionID)
			}
			if reply.Reading != nil && !reply.Reading.Degraded {
				fmt.Printf("[%s, valence %.2f, confidence %.2f]\n",
					reply.Reading.Dominant, reply.Reading.Valence, reply.Reading.Confidence)
			}
			fmt.Printf("amira> %s\n", reply.Text)
		}
	}
}
