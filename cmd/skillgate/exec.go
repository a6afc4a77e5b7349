// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/jllopis/skillgate/pkg/clarify"
	"github.com/jllopis/skillgate/pkg/content"
	"github.com/jllopis/skillgate/pkg/gateway"
)

type execOptions struct {
	Input     string
	SessionID string
	Answers   []string
	Prompt    bool
	Repeat    int
	Deliver   bool
}

// execOutput is what exec prints with --json. Content is set only when the
// user asked for passthrough content with --deliver.
type execOutput struct {
	Result  gateway.Wire      `json:"result"`
	Content *content.Delivery `json:"content,omitempty"`
}

func buildExecCmd(flags *globalFlags) *cobra.Command {
	opts := &execOptions{}
	cmd := &cobra.Command{
		Use:   "exec <skill:action>",
		Short: "Execute one skill action",
		Long: `Load the configured skills and execute one action.

Questions a skill asks are answered from --answer (id=value, repeatable) or,
with --prompt, from standard input. Passthrough content is printed only when
--deliver is set; otherwise only its reference is shown.`,
		Example: `  skillgate exec weather:forecast --input '{"city":"Oslo"}'
  skillgate exec notes:delete --input @input.json --answer confirm=true
  skillgate exec articles:details --input '{"id":"article-7"}' --deliver`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, flags, opts, args[0])
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.Input, "input", "i", "{}", "Action input as JSON, or @file")
	f.StringVar(&opts.SessionID, "session", "", "Session id to continue")
	f.StringArrayVar(&opts.Answers, "answer", nil, "Answer a clarification question (id=value, repeatable)")
	f.BoolVar(&opts.Prompt, "prompt", false, "Ask unanswered questions on stdin")
	f.IntVar(&opts.Repeat, "repeat", 1, "Run the action N times concurrently")
	f.BoolVar(&opts.Deliver, "deliver", false, "Print passthrough content")
	return cmd
}

func runExec(cmd *cobra.Command, flags *globalFlags, opts *execOptions, tool string) error {
	if opts.Repeat < 1 {
		return NewInvalidArgumentError("--repeat", "must be at least 1")
	}
	input, err := readInput(opts.Input)
	if err != nil {
		return err
	}
	answers, err := parseAnswers(opts.Answers)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg)

	clarifier := &answerer{given: answers, prompt: opts.Prompt, in: bufio.NewReader(cmd.InOrStdin()), out: cmd.ErrOrStderr()}
	rt, err := newRuntime(cmd.Context(), cfg, logger, gateway.WithClarificationHandler(clarifier.handle))
	if err != nil {
		return err
	}
	defer rt.Close()
	if _, err := rt.loadSkills(cmd.Context()); err != nil {
		return err
	}

	results := make([]gateway.Result, opts.Repeat)
	var wg conc.WaitGroup
	for i := range results {
		wg.Go(func() {
			results[i] = rt.gw.ExecuteTool(cmd.Context(), tool, input, gateway.ExecuteOptions{SessionID: opts.SessionID})
		})
	}
	wg.Wait()

	out := cmd.OutOrStdout()
	outputs := make([]execOutput, 0, len(results))
	for _, res := range results {
		o := execOutput{Result: gateway.ToWire(res)}
		if p, ok := res.(*gateway.PassthroughResult); ok && opts.Deliver {
			if d, ok := rt.gw.DeliverContent(cmd.Context(), p.UserContentRef); ok {
				o.Content = d
			}
		}
		outputs = append(outputs, o)
	}

	if flags.JSON {
		var v any = outputs
		if len(outputs) == 1 {
			v = outputs[0]
		}
		if err := printJSON(out, v); err != nil {
			return err
		}
	} else {
		for i, o := range outputs {
			if _, failed := results[i].(*gateway.ErrorResult); failed && len(results) == 1 {
				continue
			}
			printExecOutput(out, results[i], o)
		}
	}

	// A single failed call fails the command. Repeated runs report every
	// outcome instead.
	if len(results) == 1 {
		if e, ok := results[0].(*gateway.ErrorResult); ok {
			return resultError(e.Err())
		}
	}
	return nil
}

func printExecOutput(w io.Writer, res gateway.Result, o execOutput) {
	switch r := res.(type) {
	case *gateway.TemplateResult:
		if r.TemplateText != "" {
			fmt.Fprintln(w, r.TemplateText)
		} else {
			raw, _ := json.Marshal(r.AgentData)
			fmt.Fprintln(w, string(raw))
		}
	case *gateway.PassthroughResult:
		if o.Content != nil {
			fmt.Fprintln(w, o.Content.Content.Content)
			return
		}
		fmt.Fprintf(w, "[%s available as %s]\n", r.ContentType, r.UserContentRef)
	case *gateway.ClarificationResult:
		fmt.Fprintf(w, "Clarification needed (session %s):\n", r.SessionID)
		for _, q := range r.Questions {
			line := fmt.Sprintf("  %s: %s", q.QuestionID, q.QuestionText)
			if len(q.Options) > 0 {
				line += " [" + strings.Join(q.Options, ", ") + "]"
			}
			fmt.Fprintln(w, line)
		}
	case *gateway.ErrorResult:
		fmt.Fprintf(w, "error [%s]: %s\n", r.Code, r.Message)
	}
}

func readInput(raw string) (map[string]any, error) {
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, NewInvalidArgumentError("--input", err.Error())
		}
		data = b
	}
	var input map[string]any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, NewInvalidArgumentError("--input", "input must be a JSON object: "+err.Error())
	}
	if input == nil {
		input = map[string]any{}
	}
	return input, nil
}

func parseAnswers(raw []string) (map[string]string, error) {
	answers := make(map[string]string, len(raw))
	for _, a := range raw {
		id, value, ok := strings.Cut(a, "=")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, NewInvalidArgumentError("--answer", fmt.Sprintf("%q is not id=value", a))
		}
		answers[strings.TrimSpace(id)] = value
	}
	return answers, nil
}

// answerer answers clarification questions from flags and, optionally, from
// an interactive prompt. Calls are serialized so prompts do not interleave.
type answerer struct {
	mu     sync.Mutex
	given  map[string]string
	prompt bool
	in     *bufio.Reader
	out    io.Writer
}

func (a *answerer) handle(_ context.Context, req gateway.ClarificationRequest) ([]clarify.Answer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var answers []clarify.Answer
	for _, q := range req.Questions {
		value, ok := a.given[q.QuestionID]
		if !ok && a.prompt {
			value, ok = a.ask(req.SkillID, q)
		}
		if !ok {
			if q.IsRequired() {
				return nil, false
			}
			continue
		}
		answers = append(answers, clarify.Answer{QuestionID: q.QuestionID, Answer: answerValue(q, value)})
	}
	return answers, true
}

func (a *answerer) ask(skillID string, q clarify.Question) (string, bool) {
	fmt.Fprintf(a.out, "%s asks: %s", skillID, q.QuestionText)
	switch q.QuestionType {
	case clarify.TypeChoice:
		fmt.Fprintf(a.out, " [%s]", strings.Join(q.Options, ", "))
	case clarify.TypeConfirmation:
		fmt.Fprint(a.out, " [y/n]")
	}
	fmt.Fprint(a.out, ": ")
	line, err := a.in.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && line == "" {
		return "", false
	}
	return line, true
}

// answerValue turns confirmation answers into booleans; everything else stays
// a string.
func answerValue(q clarify.Question, value string) any {
	if q.QuestionType != clarify.TypeConfirmation {
		return value
	}
	switch strings.ToLower(value) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
