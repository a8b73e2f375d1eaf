package bus

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/logger"
)

// Open builds the bus named by cfg.Driver. The postgres driver needs both
// pools; the others ignore them.
func Open(cfg config.BusConfig, shared, listen *pgxpool.Pool, log *logger.Logger) (Bus, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgresBus(shared, listen, log)
	case "nats":
		return NewNATSBus(cfg.NATS, log)
	case "memory", "":
		return NewMemoryBus(log), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}
