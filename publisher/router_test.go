package publisher

import (
	"testing"

	"github.com/ripel-io/ripel/cfg"
	"github.com/ripel-io/ripel/event"
	"github.com/ripel-io/ripel/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterFirstMatchWins(t *testing.T) {
	r := NewRouter("")
	require.NoError(t, r.Register(EventTypeIs("user.created"), "users", KeyBySource))
	require.NoError(t, r.Register(Any(), "everything", KeyByType))

	route, err := r.Resolve(event.New("user.created", "api", nil))
	require.NoError(t, err)
	assert.Equal(t, Route{Destination: "users", Key: "api"}, route)

	route, err = r.Resolve(event.New("order.placed", "shop", nil))
	require.NoError(t, err)
	assert.Equal(t, Route{Destination: "everything", Key: "order.placed"}, route)

	assert.Equal(t, 2, r.Len())
}

func TestRouterDefaultDestination(t *testing.T) {
	r := NewRouter("fallback")
	require.NoError(t, r.Register(SourceIs("billing"), "billing-events", nil))

	route, err := r.Resolve(event.New("invoice.paid", "billing", nil))
	require.NoError(t, err)
	assert.Equal(t, "billing-events", route.Destination)
	assert.Equal(t, "billing", route.Key, "nil key extractor keys by source")

	route, err = r.Resolve(event.New("user.created", "api", nil))
	require.NoError(t, err)
	assert.Equal(t, Route{Destination: "fallback", Key: "api"}, route)
}

func TestRouterUnroutable(t *testing.T) {
	r := NewRouter("")
	require.NoError(t, r.Register(EventTypeIs("user.created"), "users", nil))

	_, err := r.Resolve(event.New("order.placed", "shop", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnroutable)
	assert.Equal(t, resilience.Permanent, resilience.KindOf(err))
}

func TestRouterRegisterValidation(t *testing.T) {
	r := NewRouter("")
	assert.Error(t, r.Register(nil, "users", nil))
	assert.Error(t, r.Register(Any(), "", nil))
	assert.Equal(t, 0, r.Len())
}

func TestRouterDeterministic(t *testing.T) {
	r := NewRouter("")
	require.NoError(t, r.Register(Any(), "events", KeyByPartitionKey))

	ev := event.New("user.updated", "api", nil).WithMetadata(event.MetaPartitionKey, "user-42")
	first, err := r.Resolve(ev)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Resolve(ev)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "user-42", first.Key)
}

func TestKeyExtractors(t *testing.T) {
	ev := event.New("user.created", "api", map[string]any{"tenant": 7}).
		WithMetadata("region", "eu")

	assert.Equal(t, "api", KeyBySource(ev))
	assert.Equal(t, "user.created", KeyByType(ev))
	assert.Equal(t, ev.ID, KeyByID(ev))
	assert.Equal(t, ev.ID, KeyByPartitionKey(ev), "falls back to id")
	assert.Equal(t, "7", KeyByPayloadField("tenant")(ev))
	assert.Equal(t, "api", KeyByPayloadField("missing")(ev), "falls back to source")
	assert.Equal(t, "eu", KeyByMetadata("region")(ev))
	assert.Equal(t, "api", KeyByMetadata("zone")(ev), "falls back to source")
}

func TestParseKeyExtractor(t *testing.T) {
	ev := event.New("user.created", "api", map[string]any{"tenant": "acme"}).
		WithMetadata("region", "eu")

	tests := []struct {
		spec string
		want string
	}{
		{"", "api"},
		{"source", "api"},
		{"event_type", "user.created"},
		{"id", ev.ID},
		{"partition_key", ev.ID},
		{"payload:tenant", "acme"},
		{"metadata:region", "eu"},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			key, err := ParseKeyExtractor(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, key(ev))
		})
	}

	for _, bad := range []string{"payload:", "metadata:", "column"} {
		_, err := ParseKeyExtractor(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewRouterFromConfig(t *testing.T) {
	r, err := NewRouterFromConfig(cfg.PublisherConfiguration{
		DefaultDestination: "catch-all",
		Routes: []cfg.RouteConfiguration{
			{Match: MatchEventType, Value: "user.created", Destination: "users", KeyBy: "payload:id"},
			{Match: MatchSource, Value: "shop", Destination: "orders"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	route, err := r.Resolve(event.New("user.created", "api", map[string]any{"id": 9}))
	require.NoError(t, err)
	assert.Equal(t, Route{Destination: "users", Key: "9"}, route)

	route, err = r.Resolve(event.New("order.placed", "shop", nil))
	require.NoError(t, err)
	assert.Equal(t, "orders", route.Destination)

	route, err = r.Resolve(event.New("other", "cron", nil))
	require.NoError(t, err)
	assert.Equal(t, "catch-all", route.Destination)
}

func TestNewRouterFromConfigErrors(t *testing.T) {
	_, err := NewRouterFromConfig(cfg.PublisherConfiguration{
		Routes: []cfg.RouteConfiguration{{Match: "regex", Value: ".*", Destination: "x"}},
	})
	assert.ErrorContains(t, err, "unknown match")

	_, err = NewRouterFromConfig(cfg.PublisherConfiguration{
		Routes: []cfg.RouteConfiguration{{Match: MatchAny, Destination: "x", KeyBy: "bogus"}},
	})
	assert.ErrorContains(t, err, "unknown key_by")

	_, err = NewRouterFromConfig(cfg.PublisherConfiguration{
		Routes: []cfg.RouteConfiguration{{Match: MatchAny}},
	})
	assert.ErrorContains(t, err, "destination is required")
}
