// Package dispatch routes MCP tool calls to the shared engine session:
// reserved tools are handled directly, everything else is synthesized into a
// GAP function call from its registry definition.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kamalsaleh/mcp-for-gap/internal/events"
	"github.com/kamalsaleh/mcp-for-gap/internal/gap"
	"github.com/kamalsaleh/mcp-for-gap/internal/registry"
	"github.com/kamalsaleh/mcp-for-gap/internal/tracing"
)

const restartSuccessText = "GAP session restarted successfully."

// Engine is the session surface the dispatcher drives.
type Engine interface {
	Execute(ctx context.Context, command string) (string, error)
	Restart(ctx context.Context) error
	ID() string
}

var _ Engine = (*gap.Session)(nil)

// Result is one tool invocation outcome. Failures are delivered in-band so
// the MCP client sees the error text instead of a dropped request.
type Result struct {
	Text    string
	IsError bool
}

// Options configures a dispatcher.
type Options struct {
	Registry *registry.Registry
	Engine   Engine
	Logger   *log.Logger
	Bus      events.Bus
}

// Dispatcher executes tool calls against the shared session.
type Dispatcher struct {
	registry *registry.Registry
	engine   Engine
	logger   *log.Logger
	bus      events.Bus
}

// New creates a dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Dispatcher{
		registry: opts.Registry,
		engine:   opts.Engine,
		logger:   logger,
		bus:      opts.Bus,
	}, nil
}

// ListTools returns every registered definition in listing order.
func (d *Dispatcher) ListTools() []*registry.Definition {
	return d.registry.Definitions()
}

// CallTool runs one tool invocation and returns its outcome. Reserved tools
// bypass schema validation; all other tools synthesize
// `Original(v1, v2);` from the required arguments in declared order, with an
// optional `variable_name` assignment prefix so results persist in session
// state.
func (d *Dispatcher) CallTool(ctx context.Context, name string, arguments map[string]any) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if arguments == nil {
		arguments = map[string]any{}
	}

	started := time.Now()
	ctx, call := tracing.StartToolCall(ctx, name, stringifyArguments(arguments))

	command := ""
	output := ""
	var callErr error

	switch name {
	case registry.ToolRestart:
		if err := d.engine.Restart(ctx); err != nil {
			callErr = fmt.Errorf("Failed to restart GAP session: %w", err)
		} else {
			output = restartSuccessText
		}
	case registry.ToolEvalCode:
		command = stringValue(arguments["code"])
		output, callErr = d.executeWithRecovery(ctx, call, command)
	default:
		command, callErr = d.synthesizeCommand(name, arguments)
		if callErr == nil {
			output, callErr = d.executeWithRecovery(ctx, call, command)
		}
	}

	outcome := classifyOutcome(callErr)
	d.publishExecution(name, command, outcome, callErr, time.Since(started))

	if callErr != nil {
		d.logger.Warn("tool call failed", "tool", name, "outcome", outcome, "error", callErr)
		call.End("", callErr)
		return Result{Text: callErr.Error(), IsError: true}
	}

	d.logger.Debug("tool call completed", "tool", name, "output_bytes", len(output))
	call.End(output, nil)
	return Result{Text: output}
}

// synthesizeCommand builds the engine command for a registry-defined tool.
// Every required argument must be present; the walk stops on the first
// missing one before any engine interaction.
func (d *Dispatcher) synthesizeCommand(name string, arguments map[string]any) (string, error) {
	definition, ok := d.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("Tool '%s' not found.", name)
	}

	values := make([]string, 0, len(definition.Arguments))
	for _, argument := range definition.Arguments {
		raw, present := arguments[argument.Name]
		if !present {
			return "", fmt.Errorf("Missing required argument: %s", argument.Name)
		}
		values = append(values, stringValue(raw))
	}

	command := fmt.Sprintf("%s(%s);", definition.OriginalName, strings.Join(values, ", "))
	if variableName := stringValue(arguments["variable_name"]); variableName != "" {
		command = variableName + " := " + command
	}
	return command, nil
}

// executeWithRecovery runs one command, and on a broken channel performs
// exactly one supervised restart followed by one retry. A second break is
// surfaced, never retried again.
func (d *Dispatcher) executeWithRecovery(ctx context.Context, call *tracing.ToolCall, command string) (string, error) {
	call.RecordCommand(command)

	output, err := d.engine.Execute(ctx, command)
	if err == nil || !errors.Is(err, gap.ErrChannelBroken) {
		return output, err
	}

	d.logger.Warn("command channel broken, restarting session", "error", err)
	call.RecordRetry("command channel broken")
	if restartErr := d.engine.Restart(ctx); restartErr != nil {
		return "", fmt.Errorf("Failed to restart GAP session: %w", restartErr)
	}
	return d.engine.Execute(ctx, command)
}

func (d *Dispatcher) publishExecution(tool, command, outcome string, callErr error, duration time.Duration) {
	if d.bus == nil {
		return
	}

	errText := ""
	severity := events.SeverityInfo
	if callErr != nil {
		errText = callErr.Error()
		severity = events.SeverityWarn
	}
	d.bus.Publish(events.Event{
		Type:      events.EventTypeCommandExecuted,
		SessionID: d.engine.ID(),
		Severity:  severity,
		Payload: events.CommandRecord{
			Tool:     tool,
			Command:  command,
			Outcome:  outcome,
			Error:    errText,
			Duration: duration,
		},
	})
}

func classifyOutcome(err error) string {
	switch {
	case err == nil:
		return events.OutcomeSuccess
	case errors.Is(err, &gap.EngineError{}):
		return events.OutcomeEngineError
	case errors.Is(err, gap.ErrChannelBroken), errors.Is(err, gap.ErrStartup):
		return events.OutcomeChannelBroken
	default:
		// Rejections plus everything refused before engine interaction:
		// unknown tools, missing arguments, unsafe commands.
		return events.OutcomeRejected
	}
}

func stringifyArguments(arguments map[string]any) map[string]string {
	out := make(map[string]string, len(arguments))
	for name, raw := range arguments {
		out[name] = stringValue(raw)
	}
	return out
}

// stringValue renders one JSON argument value as GAP source text. Arguments
// are declared as strings, but numeric and boolean values are tolerated.
func stringValue(raw any) string {
	switch value := raw.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprintf("%v", value)
	}
}
