package models

// Flavor selects the account type. The only behavioural difference between
// spot and margin is the set of REST paths used.
type Flavor struct {
	name   string
	paths  flavorPaths
	margin bool
}

type flavorPaths struct {
	listenKey  string
	order      string
	openOrders string
	account    string
}

var (
	Spot = Flavor{name: "spot", paths: flavorPaths{
		listenKey:  "/api/v3/userDataStream",
		order:      "/api/v3/order",
		openOrders: "/api/v3/openOrders",
		account:    "/api/v3/account",
	}}
	Margin = Flavor{name: "margin", margin: true, paths: flavorPaths{
		listenKey:  "/sapi/v1/userDataStream",
		order:      "/sapi/v1/margin/order",
		openOrders: "/sapi/v1/margin/openOrders",
		account:    "/sapi/v1/margin/account",
	}}
)

// FlavorOf maps the configuration's margin flag to a flavor.
func FlavorOf(margin bool) Flavor {
	if margin {
		return Margin
	}
	return Spot
}

func (f Flavor) String() string         { return f.name }
func (f Flavor) IsMargin() bool         { return f.margin }
func (f Flavor) ListenKeyPath() string  { return f.paths.listenKey }
func (f Flavor) OrderPath() string      { return f.paths.order }
func (f Flavor) OpenOrdersPath() string { return f.paths.openOrders }
func (f Flavor) AccountPath() string    { return f.paths.account }
