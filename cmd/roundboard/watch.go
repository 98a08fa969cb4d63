package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gregtusar/roundboard/api"
	"github.com/gregtusar/roundboard/internal/config"
	"github.com/gregtusar/roundboard/pkg/cache"
	"github.com/gregtusar/roundboard/pkg/feed"
	"github.com/gregtusar/roundboard/pkg/leaderboard"
	"github.com/gregtusar/roundboard/pkg/models"
	"github.com/gregtusar/roundboard/pkg/roundapi"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	roundID  string
	gameType string
	follow   bool
}

func newWatchCmd() *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Track a round's leaderboard and serve it over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.roundID == "" && opts.gameType == "" {
				return errors.New("one of --round or --game is required")
			}
			return runWatch(opts)
		},
	}

	cmd.Flags().StringVar(&opts.roundID, "round", "", "round id to watch")
	cmd.Flags().StringVar(&opts.gameType, "game", "", "game type whose current round to watch (e.g. SEVEN_UP_DOWN)")
	cmd.Flags().BoolVar(&opts.follow, "follow", false, "move on to the next round when one completes")
	return cmd
}

func runWatch(opts watchOptions) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newRoundClient(cfg.RoundAPI)
	if err != nil {
		return err
	}

	var publisher leaderboard.Publisher
	if cfg.Redis.Addr != "" {
		rdb, err := cache.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		publisher = cache.NewRedisPublisher(rdb, cfg.Redis.TTL)
		logger.WithField("addr", cfg.Redis.Addr).Info("Publishing snapshots to redis")
	}

	active := &leaderboard.Active{}
	server := api.NewServer(active, logger, strconv.Itoa(cfg.Server.Port), cfg.Leaderboard.SnapshotInterval)
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Error("API server stopped")
			stop()
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	w := &watcher{
		opts:      opts,
		cfg:       cfg,
		client:    client,
		publisher: publisher,
		active:    active,
		logger:    logger,
	}
	return w.run(ctx)
}

func newRoundClient(rc config.RoundAPIConfig) (*roundapi.Client, error) {
	opts := []roundapi.Option{
		roundapi.WithTimeout(rc.Timeout),
		roundapi.WithRateLimit(rc.RateLimit, rc.Burst),
	}
	if roundapi.AuthType(rc.AuthType) == roundapi.AuthTypeJWT {
		auth, err := roundapi.NewJWTAuthenticator(rc.APIKeyName, rc.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to create round api authenticator: %w", err)
		}
		opts = append(opts, roundapi.WithAuthenticator(auth))
	}
	return roundapi.NewClient(rc.BaseURL, opts...), nil
}

type watcher struct {
	opts      watchOptions
	cfg       *config.Config
	client    *roundapi.Client
	publisher leaderboard.Publisher
	active    *leaderboard.Active
	logger    *logrus.Logger
}

// run watches one round, or successive rounds in follow mode. Each round
// gets a fresh feed pool and aggregator.
func (w *watcher) run(ctx context.Context) error {
	round, err := w.firstRound(ctx)
	if err != nil {
		return err
	}

	gameType := models.GameType(w.opts.gameType)
	if gameType == "" {
		gameType = round.GameType
	}

	for {
		if err := w.watchRound(ctx, round); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !w.opts.follow {
				return err
			}
			w.logger.WithError(err).WithField("round_id", round.ID).Error("Round aggregation failed")
		}
		if ctx.Err() != nil || !w.opts.follow {
			return nil
		}

		next, err := w.nextRound(ctx, gameType, round.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		round = next
	}
}

func (w *watcher) firstRound(ctx context.Context) (*models.Round, error) {
	if w.opts.roundID != "" {
		return w.client.GetRound(ctx, w.opts.roundID)
	}
	return w.client.GetCurrentRound(ctx, models.GameType(w.opts.gameType))
}

// nextRound polls until the backend reports a round other than prevID.
func (w *watcher) nextRound(ctx context.Context, gameType models.GameType, prevID string) (*models.Round, error) {
	for {
		round, err := w.client.GetCurrentRound(ctx, gameType)
		switch {
		case err == nil && round.ID != prevID:
			return round, nil
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			w.logger.WithError(err).WithField("game_type", gameType).Warn("Failed to fetch current round")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.cfg.Leaderboard.FollowRetry):
		}
	}
}

func (w *watcher) watchRound(ctx context.Context, round *models.Round) error {
	pool := feed.NewPool(w.cfg.Feeds.PoolConfig(), w.logger)

	opts := []leaderboard.Option{
		leaderboard.WithSnapshotInterval(w.cfg.Leaderboard.SnapshotInterval),
	}
	if w.publisher != nil {
		opts = append(opts, leaderboard.WithPublisher(w.publisher))
	}

	agg, err := leaderboard.New(round, pool, w.logger, opts...)
	if err != nil {
		return err
	}
	w.active.Set(agg)

	w.logger.WithFields(logrus.Fields{
		"round_id":      round.ID,
		"game_type":     round.GameType,
		"placement_end": round.PlacementEndTime,
		"end":           round.EndTime,
	}).Info("Watching round")

	return agg.Run(ctx)
}
