package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"egressfleet/internal/cli/command"
	httpclient "egressfleet/internal/cli/http"

	"github.com/google/shlex"
)

// Session holds REPL state.
type Session struct {
	client       *httpclient.Client
	commands     map[string]command.Command
	prettyJSON   bool
	outputWriter *bufio.Writer
}

func New(client *httpclient.Client, commands map[string]command.Command, prettyJSON bool, out io.Writer) *Session {
	return &Session{
		client:       client,
		commands:     commands,
		prettyJSON:   prettyJSON,
		outputWriter: bufio.NewWriter(out),
	}
}

// Run reads commands from in until EOF or exit.
func (s *Session) Run(ctx context.Context, in io.Reader) {
	reader := bufio.NewReader(in)
	for {
		_, _ = s.outputWriter.WriteString("fleetctl> ")
		_ = s.outputWriter.Flush()
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if err != io.EOF {
				s.printLine("read input failed: %v", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			s.printLine("bye")
			return
		}
		if s.handleSystemCommand(line) {
			continue
		}
		tokens, err := shlex.Split(line)
		if err != nil {
			s.printLine("error: parse command failed: %v", err)
			continue
		}
		if _, err := s.execute(ctx, reader, tokens); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

// Exec runs one command given as arguments and reports whether the API
// answered with a 2xx status.
func (s *Session) Exec(ctx context.Context, args []string) (bool, error) {
	resp, err := s.execute(ctx, nil, args)
	if err != nil {
		return false, err
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func (s *Session) handleSystemCommand(line string) bool {
	if line == "help" {
		s.printHelp()
		return true
	}
	if !strings.HasPrefix(line, "set ") {
		return false
	}
	parts := strings.Fields(strings.TrimPrefix(line, "set "))
	if len(parts) < 2 {
		s.printLine("usage: set base <url> | set timeout <duration>")
		return true
	}
	switch parts[0] {
	case "base":
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", parts[1])
	case "timeout":
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return true
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	default:
		s.printLine("unknown set command")
	}
	return true
}

func (s *Session) execute(ctx context.Context, reader *bufio.Reader, tokens []string) (httpclient.ResponseInfo, error) {
	var resp httpclient.ResponseInfo
	if len(tokens) < 2 {
		return resp, fmt.Errorf("invalid command, use: <service> <action> key=value ...")
	}
	key := fmt.Sprintf("%s %s", tokens[0], tokens[1])
	cmd, ok := s.commands[key]
	if !ok {
		return resp, fmt.Errorf("unknown command: %s", key)
	}
	params, err := parseParams(tokens[2:])
	if err != nil {
		return resp, err
	}
	params.ApplyAliases(cmd.Fields)
	if reader != nil {
		if err := s.promptMissing(reader, &cmd, params); err != nil {
			return resp, err
		}
	}
	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		return resp, err
	}
	resp, err = s.client.Do(ctx, req.Method, req.Path, req.Headers, req.Body)
	if err != nil {
		return resp, err
	}
	s.renderResponse(resp)
	return resp, nil
}

// parseParams accepts key=value tokens; a bare first token is taken as the id.
func parseParams(tokens []string) (command.Params, error) {
	params := command.Params{}
	for i, token := range tokens {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 {
			if i == 0 {
				params.Set("id", token)
				continue
			}
			return nil, fmt.Errorf("invalid param: %s", token)
		}
		params.Set(parts[0], parts[1])
	}
	return params, nil
}

func (s *Session) promptMissing(reader *bufio.Reader, cmd *command.Command, params command.Params) error {
	for _, field := range cmd.Fields {
		if !field.Required || params.Get(field.Name) != "" {
			continue
		}
		s.printLine("%s:", field.Prompt)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read input failed: %w", err)
		}
		params.Set(field.Name, strings.TrimSpace(line))
	}
	return nil
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

func (s *Session) printHelp() {
	s.printLine("usage: <service> <action> [id] key=value ...")
	s.printLine("system: help | exit | set base|timeout")
	s.printLine("commands:")
	for _, name := range command.Names(s.commands) {
		s.printLine("  %s", name)
	}
	s.printLine("examples:")
	s.printLine("  instance create id=worker-1")
	s.printLine("  instance batch count=4")
	s.printLine("  instance rotate worker-1 endpoint=socks5://203.0.113.7:1080")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.outputWriter, format+"\n", args...)
	_ = s.outputWriter.Flush()
}
