package sink

import (
	"context"
	"fmt"
	"log/slog"

	"cmdgate/internal/config"
)

// Open builds the configured sinks. No sinks gives Nop, one sink is
// returned as is, several are wrapped in Multi. If any sink fails to open
// the ones already opened are closed.
func Open(ctx context.Context, cfgs []config.SinkConfig, logger *slog.Logger) (Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opened Multi
	for i, c := range cfgs {
		s, err := openOne(ctx, c, logger)
		if err != nil {
			opened.Close()
			return nil, fmt.Errorf("audit sink %d (%s): %w", i, c.Type, err)
		}
		if s == nil {
			continue
		}
		logger.Info("audit sink ready", "type", c.Type)
		opened = append(opened, s)
	}

	switch len(opened) {
	case 0:
		return Nop{}, nil
	case 1:
		return opened[0], nil
	default:
		return opened, nil
	}
}

func openOne(ctx context.Context, c config.SinkConfig, logger *slog.Logger) (Sink, error) {
	switch c.Type {
	case config.SinkSQLite:
		return NewSQLite(c.Path, logger)
	case config.SinkJSONL:
		return NewJSONL(c.Path)
	case config.SinkPostgres:
		return NewPostgres(ctx, c.DSN, c.Table)
	case config.SinkRedis:
		return NewRedis(ctx, RedisOptions{
			Addr:     c.Addr,
			Password: c.Password,
			DB:       c.DB,
			Stream:   c.Stream,
			MaxLen:   c.MaxLen,
		})
	case config.SinkKafka:
		return NewKafka(c.Brokers, c.Topic)
	case config.SinkNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", c.Type)
	}
}
