package api

// AdminClient defines the interface for communicating with an uplinkd
// admin endpoint.
type AdminClient interface {
	// Session management
	ListSessions() ([]SessionInfo, error)
	DescribeSession(token string) (*SessionInfo, error)
	ExpireSession(token string) error

	// Channel discovery
	ListChannels() ([]ChannelInfo, error)

	// Daemon introspection
	Info() (*ServerInfo, error)
	Health() error
	Metrics() (map[string]int64, error)
}
