package mqttd

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gonzalop/mqttd/internal/packets"
)

type route struct {
	pattern string
	handler Handler
}

type aliasEntry struct {
	index int
	topic string
}

type routerOptions struct {
	Logger *slog.Logger
}

func defaultRouterOptions() *routerOptions {
	return &routerOptions{Logger: defaultLogger()}
}

// RouterOption configures a Router at Build time.
type RouterOption func(*routerOptions)

// WithRouterLogger sets the structured logger used for routing
// diagnostics, in particular unresolved topic-alias lookups. Defaults
// to a discarding logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(o *routerOptions) {
		if l != nil {
			o.Logger = l
		}
	}
}

// RouterBuilder accumulates (pattern, Handler) resources and a default
// Handler before producing an immutable Router (§4.4).
type RouterBuilder struct {
	routes []route
	def    Handler
}

// NewRouterBuilder starts a router build with the given default
// Handler, invoked for any publish whose topic matches no resource.
func NewRouterBuilder(def Handler) *RouterBuilder {
	return &RouterBuilder{def: def}
}

// Resource registers a Handler for publishes matching pattern. Patterns
// support the `+` single-level and `#` multi-level MQTT wildcards via
// matchTopic. Resources are matched in registration order; the first
// match wins.
func (b *RouterBuilder) Resource(pattern string, h Handler) *RouterBuilder {
	b.routes = append(b.routes, route{pattern: pattern, handler: h})
	return b
}

// Build finalizes the router. The returned Router is safe for
// concurrent use.
func (b *RouterBuilder) Build(opts ...RouterOption) *Router {
	o := defaultRouterOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Router{
		routes:  append([]route(nil), b.routes...),
		def:     b.def,
		logger:  o.Logger.With("component", "router"),
		aliases: make(map[uint16]aliasEntry),
	}
}

// Router dispatches inbound PUBLISH items to the Handler registered for
// the first matching topic pattern, falling back to a default
// handler, and resolves v5.0 topic aliases against the handler that
// last claimed that alias (§4.4). Items that are not a PUBLISH (other
// packet types, keepalive timeouts, decode errors) go straight to the
// default handler.
type Router struct {
	routes []route
	def    Handler
	logger *slog.Logger

	mu      sync.Mutex
	aliases map[uint16]aliasEntry
}

// Ready reports whether every registered handler, including the
// default, is ready to accept Call (§9 item 4: poll_ready aggregation).
func (r *Router) Ready(ctx context.Context) error {
	for _, rt := range r.routes {
		if err := rt.handler.Ready(ctx); err != nil {
			return err
		}
	}
	return r.def.Ready(ctx)
}

// Shutdown propagates shutdown to every registered handler, including
// the default, continuing past individual failures and returning the
// first one encountered.
func (r *Router) Shutdown(ctx context.Context) error {
	var first error
	for _, rt := range r.routes {
		if err := rt.handler.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	if err := r.def.Shutdown(ctx); err != nil && first == nil {
		first = err
	}
	return first
}

// Call dispatches item to the matching Handler (§4.4, §9 item 5).
func (r *Router) Call(ctx context.Context, item *DispatcherItem) (packets.Packet, error) {
	pub, ok := item.Packet.(*packets.PublishPacket)
	if item.Kind != ItemPacket || !ok {
		return r.def.Call(ctx, item)
	}

	if pub.Topic != "" {
		if idx, ok := r.match(pub.Topic); ok {
			if pub.Properties != nil && pub.Properties.Presence&packets.PresTopicAlias != 0 {
				r.recordAlias(pub.Properties.TopicAlias, idx, pub.Topic)
			}
			return r.routes[idx].handler.Call(ctx, item)
		}
		return r.def.Call(ctx, item)
	}

	if pub.Properties != nil && pub.Properties.Presence&packets.PresTopicAlias != 0 {
		if entry, ok := r.lookupAlias(pub.Properties.TopicAlias); ok {
			pub.OriginalTopic = pub.Topic
			pub.Topic = entry.topic
			return r.routes[entry.index].handler.Call(ctx, item)
		}
		r.logger.Warn("unknown topic alias", "alias", pub.Properties.TopicAlias)
	}
	return r.def.Call(ctx, item)
}

func (r *Router) match(topic string) (int, bool) {
	for i, rt := range r.routes {
		if matchTopic(rt.pattern, topic) {
			return i, true
		}
	}
	return 0, false
}

func (r *Router) recordAlias(alias uint16, idx int, topic string) {
	r.mu.Lock()
	r.aliases[alias] = aliasEntry{index: idx, topic: topic}
	r.mu.Unlock()
}

func (r *Router) lookupAlias(alias uint16) (aliasEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.aliases[alias]
	return entry, ok
}
