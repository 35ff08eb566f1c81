package routing

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

type RuleKind int

const (
	KindPath RuleKind = iota
	KindHost
	KindMount
	KindStatic
	KindNotFound
)

func (k RuleKind) String() string {
	switch k {
	case KindPath:
		return "path"
	case KindHost:
		return "host"
	case KindMount:
		return "mount"
	case KindStatic:
		return "static"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// MatchHook is called for every rule matched while routing a request and may return a derived request.
type MatchHook func(r *http.Request, rule *Rule, pathArgs map[string]string) *http.Request

type Middleware func(next http.Handler) http.Handler

type RuleOption func(rule *Rule)

// Unprofiled marks a rule the profiler must not instrument. On a mount or host rule it applies to
// every rule of the nested router.
func Unprofiled() RuleOption {
	return func(rule *Rule) {
		rule.profiled = false
	}
}

// Prepend places the rule ahead of the rules already registered on the router.
func Prepend() RuleOption {
	return func(rule *Rule) {
		rule.prepend = true
	}
}

// Rule is one routing table entry.
type Rule struct {
	pattern  string
	name     string
	kind     RuleKind
	regexp   *regexp.Regexp
	handler  http.Handler
	router   *Router
	profiled bool
	prepend  bool
}

func (r *Rule) Pattern() string {
	return r.pattern
}

// Name returns the pattern as registered, without the end anchor of path, host and static rules.
func (r *Rule) Name() string {
	return r.name
}

func (r *Rule) Kind() RuleKind {
	return r.kind
}

// Router returns the nested router of a mount or host rule.
func (r *Rule) Router() *Router {
	return r.router
}

func (r *Rule) Handler() http.Handler {
	return r.handler
}

// Profiled reports whether the rule should be instrumented. Static rules never are.
func (r *Rule) Profiled() bool {
	return r.profiled && r.kind != KindStatic
}

// Terminal reports whether the rule dispatches to a handler rather than a nested router.
func (r *Rule) Terminal() bool {
	return r.router == nil
}

// WrapHandler replaces the handler of a terminal rule with wrap(handler).
func (r *Rule) WrapHandler(wrap func(http.Handler) http.Handler) {
	if r.Terminal() {
		r.handler = wrap(r.handler)
	}
}

// Router dispatches requests to the first rule matching the request, in registration order.
// Rules must be registered before the router starts serving.
type Router struct {
	rules      []*Rule
	notFound   *Rule
	hooks      []MatchHook
	middleware []Middleware
	unprofiled bool
}

func NewRouter() *Router {
	return &Router{
		notFound: &Rule{kind: KindNotFound, handler: http.NotFoundHandler(), profiled: true},
	}
}

// Handle adds a path rule. The pattern is a regular expression matched against the whole URL path;
// its named groups become path args.
func (rt *Router) Handle(pattern string, handler http.Handler, opts ...RuleOption) *Rule {
	name := trimEndAnchor(pattern)
	pattern = terminate(pattern)
	return rt.add(&Rule{pattern: pattern, name: name, kind: KindPath, regexp: anchor(pattern), handler: handler}, opts)
}

func (rt *Router) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request), opts ...RuleOption) *Rule {
	return rt.Handle(pattern, http.HandlerFunc(handler), opts...)
}

// Mount adds a rule delegating every path starting with a match of pattern to nested.
// The nested router matches its own rules against the full path.
func (rt *Router) Mount(pattern string, nested *Router, opts ...RuleOption) *Rule {
	return rt.add(&Rule{pattern: pattern, name: pattern, kind: KindMount, regexp: anchor(pattern), router: nested}, opts)
}

// Host adds a rule delegating requests whose host, without port, matches pattern to nested.
func (rt *Router) Host(pattern string, nested *Router, opts ...RuleOption) *Rule {
	name := trimEndAnchor(pattern)
	pattern = terminate(pattern)
	return rt.add(&Rule{pattern: pattern, name: name, kind: KindHost, regexp: anchor(pattern), router: nested}, opts)
}

// Static adds a rule serving files from fs. The file name is taken from the "path" group
// of the pattern or, failing that, its last group.
func (rt *Router) Static(pattern string, fs http.FileSystem) *Rule {
	name := trimEndAnchor(pattern)
	pattern = terminate(pattern)
	rule := &Rule{pattern: pattern, name: name, kind: KindStatic, regexp: anchor(pattern)}
	rule.handler = staticHandler(rule.regexp, fs)
	return rt.add(rule, nil)
}

// NotFound sets the handler for requests no rule matches.
func (rt *Router) NotFound(handler http.Handler) {
	rt.notFound.handler = handler
}

func (rt *Router) OnMatch(hook MatchHook) {
	rt.hooks = append(rt.hooks, hook)
}

// Use adds middleware applied to every request before matching. The first added runs outermost.
func (rt *Router) Use(middleware Middleware) {
	rt.middleware = append(rt.middleware, middleware)
}

// Walk calls fn for every rule of the router and its nested routers, depth first, finishing
// each router with its not found rule.
func (rt *Router) Walk(fn func(rule *Rule) error) error {
	for _, rule := range rt.rules {
		if err := fn(rule); err != nil {
			return err
		}
		if rule.router != nil {
			if err := rule.router.Walk(fn); err != nil {
				return err
			}
		}
	}
	return fn(rt.notFound)
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var handler http.Handler = http.HandlerFunc(rt.route)
	for i := len(rt.middleware) - 1; i >= 0; i-- {
		handler = rt.middleware[i](handler)
	}
	handler.ServeHTTP(w, r)
}

type pathArgsKey struct{}

// PathArgs returns the named groups captured by the innermost rule that matched r.
func PathArgs(r *http.Request) map[string]string {
	args, _ := r.Context().Value(pathArgsKey{}).(map[string]string)
	return args
}

type match struct {
	rule     *Rule
	pathArgs map[string]string
	hooks    []MatchHook
}

func (rt *Router) route(w http.ResponseWriter, r *http.Request) {
	matches, handler := rt.find(r, nil)
	if handler == nil {
		rt.notFound.handler.ServeHTTP(w, r)
		return
	}
	innermost := matches[len(matches)-1]
	r = r.WithContext(context.WithValue(r.Context(), pathArgsKey{}, innermost.pathArgs))
	for _, m := range matches {
		for _, hook := range m.hooks {
			if derived := hook(r, m.rule, m.pathArgs); derived != nil {
				r = derived
			}
		}
	}
	handler.ServeHTTP(w, r)
}

// find returns the chain of matched rules, outermost first, and the handler of the innermost one.
func (rt *Router) find(r *http.Request, outerHooks []MatchHook) ([]match, http.Handler) {
	hooks := append(append([]MatchHook{}, outerHooks...), rt.hooks...)
	for _, rule := range rt.rules {
		var subject string
		if rule.kind == KindHost {
			subject = hostname(r.Host)
		} else {
			subject = r.URL.Path
		}
		groups := rule.regexp.FindStringSubmatch(subject)
		if groups == nil {
			continue
		}
		m := match{rule: rule, pathArgs: pathArgs(rule.regexp, groups), hooks: hooks}
		if rule.router == nil {
			return []match{m}, rule.handler
		}
		nested, handler := rule.router.find(r, hooks)
		if handler != nil {
			return append([]match{m}, nested...), handler
		}
	}
	return nil, nil
}

func (rt *Router) add(rule *Rule, opts []RuleOption) *Rule {
	rule.profiled = !rt.unprofiled
	for _, opt := range opts {
		opt(rule)
	}
	if rule.router != nil && !rule.profiled {
		rule.router.disableProfiling()
	}
	if rule.prepend {
		rt.rules = append([]*Rule{rule}, rt.rules...)
	} else {
		rt.rules = append(rt.rules, rule)
	}
	return rule
}

// disableProfiling marks every rule of the router and its nested routers unprofiled,
// including rules added later.
func (rt *Router) disableProfiling() {
	rt.unprofiled = true
	rt.notFound.profiled = false
	for _, rule := range rt.rules {
		rule.profiled = false
		if rule.router != nil {
			rule.router.disableProfiling()
		}
	}
}

func terminate(pattern string) string {
	if !endAnchored(pattern) {
		return pattern + "$"
	}
	return pattern
}

// endAnchored reports whether pattern ends with an unescaped $.
func endAnchored(pattern string) bool {
	if !strings.HasSuffix(pattern, "$") {
		return false
	}
	backslashes := 0
	for i := len(pattern) - 2; i >= 0 && pattern[i] == '\\'; i-- {
		backslashes++
	}
	return backslashes%2 == 0
}

func trimEndAnchor(pattern string) string {
	if endAnchored(pattern) {
		return pattern[:len(pattern)-1]
	}
	return pattern
}

func anchor(pattern string) *regexp.Regexp {
	return regexp.MustCompile("^(?:" + pattern + ")")
}

func pathArgs(re *regexp.Regexp, groups []string) map[string]string {
	args := map[string]string{}
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		args[name] = groups[i]
	}
	return args
}

func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(host)
}

func staticHandler(re *regexp.Regexp, fs http.FileSystem) http.Handler {
	fileServer := http.FileServer(fs)
	pathIndex := re.SubexpIndex("path")
	if pathIndex < 0 {
		pathIndex = re.NumSubexp()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		groups := re.FindStringSubmatch(r.URL.Path)
		name := ""
		if groups != nil && pathIndex > 0 {
			name = groups[pathIndex]
		}
		if name == "" || strings.HasSuffix(name, "/") {
			http.NotFound(w, r)
			return
		}
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/" + strings.TrimPrefix(name, "/")
		r2.URL.RawPath = ""
		fileServer.ServeHTTP(w, r2)
	})
}
