package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UsePrimaryKey is the context key for the "use_primary" boolean value.
	// It signals that a query should be executed on the primary (write)
	// pool regardless of its classification. This is crucial for
	// read-your-writes consistency after a recent write.
	UsePrimaryKey = ContextKey("use_primary")
)
