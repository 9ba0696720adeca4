package loop

import (
	"context"
	"sync"

	"github.com/valetrun/valet/internal/llm"
	"github.com/valetrun/valet/internal/logger"
	"github.com/valetrun/valet/internal/tools"
)

// executeRound runs every tool call of a model response concurrently and
// returns results in call order, one result per call. Failures, timeouts,
// and validation errors all land inside the Result so the model sees them
// as tool output on the next round.
func (l *Loop) executeRound(ctx context.Context, calls []llm.ToolCall) []tools.Result {
	results := make([]tools.Result, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()

			inv := tools.Invocation{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
			}
			result := l.registry.Execute(ctx, inv, l.cfg.ToolTimeout)
			results[i] = result

			status := "ok"
			if result.Error != "" {
				status = "error"
				if result.TimedOut {
					status = "timeout"
				}
				l.logger.WarnCtx(ctx, "tool invocation failed",
					logger.Field{Key: "tool", Value: call.Name},
					logger.Field{Key: "error", Value: result.Error})
			}
			l.metrics.ToolExecution(call.Name, status)
		}(i, call)
	}
	wg.Wait()

	return results
}
