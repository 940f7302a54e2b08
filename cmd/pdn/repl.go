package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/pdn/internal/config"
	"github.com/ChamsBouzaiene/pdn/internal/engine"
	"github.com/ChamsBouzaiene/pdn/internal/orchestrator"
	"github.com/ChamsBouzaiene/pdn/internal/session"
)

type repl struct {
	orch      *orchestrator.Orchestrator
	sessionID string
	chatbot   config.Chatbot
	in        io.Reader
	out       io.Writer
	log       *zap.Logger
}

func (r *repl) run(ctx context.Context) error {
	r.greet()

	s := bufio.NewScanner(r.in)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(r.out, "you> ")
		if !s.Scan() {
			break
		}
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		if quit := r.handleLine(ctx, line); quit {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return s.Err()
}

func (r *repl) greet() {
	if r.chatbot.Title != "" {
		fmt.Fprintf(r.out, "%s\n", r.chatbot.Title)
	}
	if r.chatbot.WelcomeMessage != "" {
		fmt.Fprintf(r.out, "%s\n", r.chatbot.WelcomeMessage)
	}
	fmt.Fprintf(r.out, "session %s\n\n", r.sessionID)
}

// handleLine runs one REPL line and reports whether the loop should stop.
func (r *repl) handleLine(ctx context.Context, line string) (quit bool) {
	if !strings.HasPrefix(line, "/") {
		r.turn(ctx, line, "")
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/stage":
		stage, message, _ := strings.Cut(rest, " ")
		if stage == "" {
			fmt.Fprintln(r.out, "usage: /stage <id> <message>")
			return false
		}
		r.turn(ctx, strings.TrimSpace(message), stage)
	case "/info":
		info, err := r.orch.SessionInfo(r.sessionID)
		if errors.Is(err, session.ErrSessionNotFound) {
			fmt.Fprintln(r.out, "no messages yet")
			return false
		}
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(r.out, "stage: %s\nhistory: %d turns\n", info.Stage, info.HistoryLength)
	case "/history":
		turns, err := r.orch.History(r.sessionID)
		if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return false
		}
		fmt.Fprintln(r.out, renderHistory(turns))
	case "/reset":
		if err := r.orch.Reset(r.sessionID); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			return false
		}
		fmt.Fprintln(r.out, "session reset")
	default:
		fmt.Fprintf(r.out, "unknown command %s\n", cmd)
	}
	return false
}

func (r *repl) turn(ctx context.Context, message, stageOverride string) {
	res, err := r.orch.HandleTurn(ctx, r.sessionID, message, stageOverride)
	if res.Message != "" {
		fmt.Fprintf(r.out, "\n%s\n", res.Message)
	}
	if res.IsRedirect() {
		fmt.Fprintf(r.out, "-> redirect %s (%s)\n", res.Target, res.Payload)
	}
	if err != nil {
		r.log.Debug("turn returned an error", zap.String("session_id", r.sessionID), zap.Error(err))
		if res.Message == "" {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
	fmt.Fprintln(r.out)
}

// renderHistory prints user and assistant turns; system prompts are omitted.
func renderHistory(turns []session.Turn) string {
	msgs := make([]engine.ChatMessage, 0, len(turns))
	for _, t := range turns {
		if t.Role == engine.RoleSystem {
			continue
		}
		msgs = append(msgs, t.ChatMessage())
	}
	if len(msgs) == 0 {
		return "(empty)"
	}
	return engine.RenderTranscript(msgs)
}
