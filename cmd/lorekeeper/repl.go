package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/floegence/lorekeeper/internal/engine"
	"github.com/floegence/lorekeeper/internal/session"
)

const replHelp = `Commands:
  :mode <name>          switch mode (main_menu, world_architect, dm_story, rules_explanation, tutorial, world_edit)
  :bind <kind> <id>     bind a universe, campaign or party
  :unbind <kind>        clear a binding
  :state                show the session state
  :reject [reason]      reject the pending world change request
  :reset                start the session over
  :quit                 leave
Anything else is played as a turn in the current mode.`

type lineReader interface {
	ReadLine() (string, error)
}

// prompter is implemented by readers that show a prompt (an x/term Terminal).
type prompter interface {
	SetPrompt(prompt string)
}

type scannerReader struct{ sc *bufio.Scanner }

func newScannerReader(r io.Reader) *scannerReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &scannerReader{sc: sc}
}

func (s *scannerReader) ReadLine() (string, error) {
	if s.sc.Scan() {
		return s.sc.Text(), nil
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

type repl struct {
	eng       *engine.Engine
	sessionID string
	in        lineReader
	out       io.Writer
}

func (r *repl) run(ctx context.Context) error {
	r.prompt(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := r.in.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		quit, err := r.handle(ctx, line)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
		r.prompt(ctx)
	}
}

func (r *repl) prompt(ctx context.Context) {
	p, ok := r.in.(prompter)
	if !ok {
		return
	}
	st, err := r.eng.State(ctx, r.sessionID)
	if err != nil {
		p.SetPrompt("> ")
		return
	}
	p.SetPrompt(fmt.Sprintf("[%s] > ", st.Mode))
}

// handle runs one input line. Errors are reported and the loop continues.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, ":") {
		resp, err := r.eng.Submit(ctx, r.sessionID, line)
		if err != nil {
			return false, err
		}
		r.printResponse(resp)
		return false, nil
	}

	fields := strings.Fields(strings.TrimPrefix(line, ":"))
	if len(fields) == 0 {
		return false, nil
	}
	switch strings.ToLower(fields[0]) {
	case "q", "quit", "exit":
		return true, nil
	case "help", "h", "?":
		fmt.Fprintln(r.out, replHelp)
	case "mode":
		if len(fields) < 2 {
			return false, errors.New("usage: :mode <name>")
		}
		mode, err := r.eng.SwitchMode(ctx, r.sessionID, strings.Join(fields[1:], " "))
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Mode: %s\n", mode)
	case "bind", "unbind":
		unbind := strings.EqualFold(fields[0], "unbind")
		if len(fields) < 2 || (!unbind && len(fields) < 3) {
			return false, errors.New("usage: :bind <universe|campaign|party> <id> or :unbind <kind>")
		}
		kind, err := session.ParseBindingKind(fields[1])
		if err != nil {
			return false, err
		}
		id := ""
		if !unbind {
			id = fields[2]
		}
		if err := r.eng.Bind(ctx, r.sessionID, kind, id); err != nil {
			return false, err
		}
		return false, r.printState(ctx)
	case "state", "status":
		return false, r.printState(ctx)
	case "reject":
		st, err := r.eng.State(ctx, r.sessionID)
		if err != nil {
			return false, err
		}
		if st.PendingChangeRequestID == "" {
			return false, errors.New("no pending change request")
		}
		req, err := r.eng.RejectChange(ctx, r.sessionID, st.PendingChangeRequestID, strings.Join(fields[1:], " "))
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Rejected change request %s.\n", req.ID)
	case "reset":
		if err := r.eng.ResetSession(ctx, r.sessionID); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "Session reset.")
	default:
		return false, fmt.Errorf("unknown command %q (try :help)", fields[0])
	}
	return false, nil
}

func (r *repl) printResponse(resp engine.Response) {
	fmt.Fprintln(r.out, resp.Narration)
	if resp.Degraded {
		fmt.Fprintln(r.out, "(the narrator's reply could not be read as structured output; the world was not changed)")
	}
	if a := resp.Applied; a != nil {
		if n := len(a.Changed()); n > 0 {
			fmt.Fprintf(r.out, "(%d world record(s) changed)\n", n)
		}
		if n := len(a.Skipped); n > 0 {
			fmt.Fprintf(r.out, "(%d update(s) skipped)\n", n)
		}
	}
}

func (r *repl) printState(ctx context.Context) error {
	st, err := r.eng.State(ctx, r.sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Session: %s\nMode: %s\nTurns: %d\n", r.sessionID, st.Mode, st.TurnCounter)
	for _, b := range []struct {
		label string
		id    string
	}{
		{"Universe", st.Bindings.UniverseID},
		{"Campaign", st.Bindings.CampaignID},
		{"Party", st.Bindings.PartyID},
	} {
		if b.id != "" {
			fmt.Fprintf(r.out, "%s: %s\n", b.label, b.id)
		}
	}
	if st.PendingChangeRequestID != "" {
		fmt.Fprintf(r.out, "Pending change request: %s\n", st.PendingChangeRequestID)
	}
	return nil
}
