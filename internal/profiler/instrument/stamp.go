package instrument

import (
	"context"
	"net/http"

	"github.com/armadaproject/profiler/internal/profiler/model"
	"github.com/armadaproject/profiler/internal/profiler/routing"
)

// Stamp identifies the routing rule that matched a request.
type Stamp struct {
	Name     string
	Type     string
	PathArgs map[string]string
}

type stampKey struct{}

func WithStamp(ctx context.Context, stamp *Stamp) context.Context {
	return context.WithValue(ctx, stampKey{}, stamp)
}

// StampFrom returns the stamp of the innermost matched rule, or nil if no rule matched.
func StampFrom(ctx context.Context) *Stamp {
	stamp, _ := ctx.Value(stampKey{}).(*Stamp)
	return stamp
}

// StampHook is a routing.MatchHook recording the matched rule on the request.
func StampHook(r *http.Request, rule *routing.Rule, pathArgs map[string]string) *http.Request {
	ruleType := model.TypePathMatch
	if rule.Kind() == routing.KindHost {
		ruleType = model.TypeHostMatch
	}
	return r.WithContext(WithStamp(r.Context(), &Stamp{
		Name:     rule.Name(),
		Type:     ruleType,
		PathArgs: pathArgs,
	}))
}
