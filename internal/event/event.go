package event

// Type is a webhook event type. The set is closed: subscriptions may only
// register interest in the types enumerated below, and internal emitters
// construct them as constants so invalid types cannot be produced outside
// the registration boundary.
type Type string

const (
	KeyCreated        Type = "key.created"
	KeyUsageLimit     Type = "key.usage.limit"
	KeyUpgraded       Type = "key.upgraded"
	PaymentReceived   Type = "payment.received"
	NewsNew           Type = "news.new"
	NewsBreaking      Type = "news.breaking"
	NewsTrending      Type = "news.trending"
	PriceAlert        Type = "price.alert"
	MarketSignificant Type = "market.significant"
	SourceNew         Type = "source.new"
	SystemHealth      Type = "system.health"
)

// All lists every valid event type.
func All() []Type {
	return []Type{
		KeyCreated,
		KeyUsageLimit,
		KeyUpgraded,
		PaymentReceived,
		NewsNew,
		NewsBreaking,
		NewsTrending,
		PriceAlert,
		MarketSignificant,
		SourceNew,
		SystemHealth,
	}
}

var valid = func() map[Type]struct{} {
	m := make(map[Type]struct{})
	for _, t := range All() {
		m[t] = struct{}{}
	}
	return m
}()

// Valid reports whether t is one of the enumerated event types.
func (t Type) Valid() bool {
	_, ok := valid[t]
	return ok
}

func (t Type) String() string {
	return string(t)
}
