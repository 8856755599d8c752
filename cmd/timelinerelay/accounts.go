package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/njoerd114/timelinerelay/internal/config"
	"github.com/njoerd114/timelinerelay/internal/social"
	"github.com/njoerd114/timelinerelay/internal/social/pumpio"
	"github.com/njoerd114/timelinerelay/internal/social/twitter"
	syncp "github.com/njoerd114/timelinerelay/internal/sync"
)

// originStore registers origins. Implemented by *state.Store.
type originStore interface {
	EnsureOrigin(ctx context.Context, name, protocol, baseURL string) (int64, error)
}

// newConnection builds the protocol adapter for one account.
func newConnection(protocol social.Protocol, client *social.Client, originID int64, username string, logger *slog.Logger) (social.Connection, error) {
	switch protocol {
	case social.ProtocolTwitter:
		return twitter.New(client, originID, twitter.FlavorTwitter, logger), nil
	case social.ProtocolGNUSocial:
		return twitter.New(client, originID, twitter.FlavorGNUSocial, logger), nil
	case social.ProtocolPumpio:
		return pumpio.New(client, originID, username, logger), nil
	default:
		return nil, fmt.Errorf("unsupported protocol %q", protocol)
	}
}

// buildAccounts turns the configured accounts into sync accounts, creating
// their origins on first use.
func buildAccounts(ctx context.Context, store originStore, cfgs []config.Account, logger *slog.Logger) ([]*syncp.Account, error) {
	accounts := make([]*syncp.Account, 0, len(cfgs))
	for i := range cfgs {
		ac := &cfgs[i]
		originID, err := store.EnsureOrigin(ctx, ac.Origin, string(ac.Protocol), ac.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("registering origin of %q: %w", ac.Name, err)
		}

		log := logger.With("account", ac.Name)
		client, err := social.NewClient(ac.ClientConfig(), log)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", ac.Name, err)
		}
		conn, err := newConnection(ac.Protocol, client, originID, ac.Username, log)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", ac.Name, err)
		}

		accounts = append(accounts, &syncp.Account{
			Name:        ac.Name,
			OriginID:    originID,
			Username:    ac.Username,
			UserOid:     ac.UserOid,
			Conn:        conn,
			Timelines:   ac.TimelineTypes(),
			SearchQuery: ac.SearchQuery,
		})
	}
	return accounts, nil
}
