package commission

import (
	"fmt"
	"os"

	"github.com/reclaimly/backend/internal/database"
)

// LedgerConfig holds configuration for invoice storage
type LedgerConfig struct {
	Backend         string // "memory", "supabase" or "spanner"
	Supabase        *database.SupabaseStore
	SpannerProject  string
	SpannerInstance string
	SpannerDatabase string
}

// NewLedger creates the appropriate ledger based on configuration
func NewLedger(config LedgerConfig) (Ledger, error) {
	switch config.Backend {
	case "spanner":
		if config.SpannerProject == "" || config.SpannerInstance == "" || config.SpannerDatabase == "" {
			return nil, fmt.Errorf("spanner configuration incomplete")
		}
		return NewSpannerLedger(config.SpannerProject, config.SpannerInstance, config.SpannerDatabase)

	case "supabase":
		if config.Supabase == nil {
			return nil, fmt.Errorf("supabase store not configured")
		}
		return NewSupabaseLedger(config.Supabase), nil

	case "memory", "":
		// Default to the in-process ledger for local development
		return NewMemoryLedger(), nil

	default:
		return nil, fmt.Errorf("unknown backend: %s", config.Backend)
	}
}

// NewLedgerFromEnv creates a ledger from environment variables
func NewLedgerFromEnv(store *database.SupabaseStore) (Ledger, error) {
	backend := os.Getenv("COMMISSION_BACKEND")
	if backend == "" {
		backend = "memory" // Default
	}

	config := LedgerConfig{
		Backend:         backend,
		Supabase:        store,
		SpannerProject:  os.Getenv("SPANNER_PROJECT_ID"),
		SpannerInstance: os.Getenv("SPANNER_INSTANCE_ID"),
		SpannerDatabase: os.Getenv("SPANNER_DATABASE_ID"),
	}

	return NewLedger(config)
}
