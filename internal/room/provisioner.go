// Package room はペアごとのビデオルームをプロバイダー上に用意する。
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/callmatch/internal/metrics"
	"github.com/hitoshi/callmatch/internal/model"
	"github.com/hitoshi/callmatch/internal/repository"
	"github.com/hitoshi/callmatch/internal/video"
)

// providerError はプロバイダー呼び出しの失敗を、DBの失敗と区別するためのラッパー。
type providerError struct {
	op  string
	err error
}

func (e *providerError) Error() string { return e.op + ": " + e.err.Error() }
func (e *providerError) Unwrap() error { return e.err }

// Provisioner はルームの作成とプロバイダー上でのプロビジョニングを行う。
type Provisioner struct {
	rooms    repository.RoomRepository
	provider video.Provider
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	timeout  time.Duration
}

// NewProvisioner はProvisionerを生成する。timeoutはプロバイダー呼び出し1回あたりの上限。
func NewProvisioner(rooms repository.RoomRepository, provider video.Provider, mc metrics.MetricsCollector, logger *slog.Logger, timeout time.Duration) *Provisioner {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Provisioner{rooms: rooms, provider: provider, metrics: mc, logger: logger, timeout: timeout}
}

// EnsureRoom はペアのルームを取得または作成し、プロバイダー上に存在することを保証する。
// プロビジョニングはルーム行のロック下で行うため、同時に呼び出されてもプロバイダーへの作成は1回だけ。
// プロバイダーの失敗はリトライせずProviderUnavailableとして返し、ルームは未プロビジョニングのまま残す。
func (p *Provisioner) EnsureRoom(ctx context.Context, userA, userB string) (*model.Room, error) {
	r, err := p.rooms.FindOrCreate(ctx, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("ルームの取得に失敗しました: %w", err)
	}
	if r.Provisioned {
		return r, nil
	}

	_, err = p.rooms.Provision(ctx, r.ID, p.provision)
	if err != nil {
		var pe *providerError
		if errors.As(err, &pe) {
			p.logger.Error("ルームのプロビジョニングに失敗しました",
				slog.String("room", r.Name),
				slog.String("op", pe.op),
				slog.String("error", pe.err.Error()),
			)
			return nil, model.NewProviderUnavailableError(pe.op)
		}
		return nil, fmt.Errorf("ルームのプロビジョニングに失敗しました: %w", err)
	}

	r.Provisioned = true
	return r, nil
}

// provision はプロバイダー上にルームが存在しなければ作成する。ルーム行のロック下で呼ばれる。
func (p *Provisioner) provision(ctx context.Context, r *model.Room) error {
	exists, err := p.exists(ctx, r.Name)
	if err != nil {
		return err
	}
	if exists {
		p.logger.Info("プロバイダー上の既存ルームを使用します", slog.String("room", r.Name))
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()
	info, err := p.provider.CreateRoom(cctx, r.Name)
	p.metrics.RecordProviderCall("create_room", err, time.Since(start))
	if err != nil {
		return &providerError{op: "create_room", err: err}
	}

	p.metrics.RecordRoomProvisioned()
	p.logger.Info("ルームを作成しました",
		slog.String("room", r.Name),
		slog.String("sid", info.SID),
	)
	return nil
}

func (p *Provisioner) exists(ctx context.Context, name string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()
	rooms, err := p.provider.ListRooms(cctx, []string{name})
	p.metrics.RecordProviderCall("list_rooms", err, time.Since(start))
	if err != nil {
		return false, &providerError{op: "list_rooms", err: err}
	}
	for _, info := range rooms {
		if info.Name == name {
			return true, nil
		}
	}
	return false, nil
}
