package warehouse

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hmo-register/internal/config"
	"github.com/sells-group/hmo-register/internal/db"
)

// Open connects the warehouse selected by cfg.Driver.
func Open(ctx context.Context, cfg config.WarehouseConfig) (Warehouse, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.MaxConns)
		if err != nil {
			return nil, eris.Wrap(err, "warehouse: connect postgres")
		}
		pg, err := NewPostgres(pool, cfg.Schema, cfg.TablePrefix)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return pg, nil
	case "sqlite":
		lite, err := NewSQLite(cfg.SQLitePath(), cfg.TablePrefix)
		if err != nil {
			return nil, err
		}
		return lite, nil
	default:
		return nil, eris.Errorf("warehouse: unknown driver %q", cfg.Driver)
	}
}
