package main

import (
	"context"
	"fmt"

	"github.com/Dry1ceD7/AAEConnect/internal/config"
	"github.com/Dry1ceD7/AAEConnect/internal/handler"
	"github.com/Dry1ceD7/AAEConnect/internal/store"
	"github.com/Dry1ceD7/AAEConnect/internal/store/cassandra"
	"github.com/Dry1ceD7/AAEConnect/internal/store/memory"
	"github.com/Dry1ceD7/AAEConnect/internal/store/sqlstore"
	"github.com/Dry1ceD7/AAEConnect/pkg/database"
	"github.com/Dry1ceD7/AAEConnect/pkg/log"
)

// stores bundles the message store, the membership resolver and the
// optional room manager selected by store.driver.
type stores struct {
	messages store.MessageStore
	members  store.MembershipResolver
	rooms    handler.RoomManager
	checks   []handler.Check
	closers  []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	l := log.L()
	out := &stores{}

	switch cfg.Store.Driver {
	case config.StoreMemory:
		mem := memory.New()
		out.messages, out.members = mem, mem
		l.Warn().Msg("using in-memory store, messages are lost on restart")
		return out, nil

	case config.StoreSQL, config.StoreCassandra:
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	// Membership always lives in SQL; cassandra only replaces the messages.
	ss, err := openSQL(&cfg.Database)
	if err != nil {
		return nil, err
	}
	out.closers = append(out.closers, func() { ss.Close() })
	out.members, out.rooms = ss, ss
	out.checks = append(out.checks, handler.Check{Name: "database", Critical: true, Ping: ss.Ping})
	l.Info().Str("driver", cfg.Database.Driver).Msg("connected to database")

	if cfg.Store.Driver == config.StoreSQL {
		out.messages = ss
		return out, nil
	}

	client, err := cassandra.NewClient(cfg.Cassandra)
	if err != nil {
		out.close()
		return nil, err
	}
	out.closers = append(out.closers, client.Close)

	cs := cassandra.New(client)
	if err := cs.Migrate(ctx); err != nil {
		out.close()
		return nil, fmt.Errorf("failed to migrate cassandra: %w", err)
	}
	out.messages = cs
	out.checks = append(out.checks, handler.Check{Name: "cassandra", Critical: true, Ping: cs.Ping})
	l.Info().Strs("hosts", cfg.Cassandra.Hosts).Str("keyspace", cfg.Cassandra.Keyspace).Msg("connected to cassandra")
	return out, nil
}

func openSQL(cfg *database.Config) (*sqlstore.Store, error) {
	db, err := database.New(cfg)
	if err != nil {
		return nil, err
	}
	s := sqlstore.New(db)
	if err := s.Migrate(); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}
